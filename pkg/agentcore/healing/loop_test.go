package healing

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shket/agentcore/pkg/agentcore/llm"
	"github.com/shket/agentcore/pkg/agentcore/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// scriptedTransport replays a fixed sequence of results/errors, one per
// call, then repeats the final entry.
type scriptedTransport struct {
	calls   int
	results []llm.Result
	errs    []error
}

func (s *scriptedTransport) Run(ctx context.Context, goal string, history []byte) (llm.Result, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], s.errs[i]
}

func TestDetermineAction(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		kind   ErrorKind
		attempt, max int
		want   Action
	}{
		{"context overflow retries", KindContextOverflow, 0, 3, ActionCompressAndRetry},
		{"rate limit waits", KindRateLimit, 0, 3, ActionWaitAndRetry},
		{"usage limit aborts", KindUsageLimit, 0, 3, ActionAbort},
		{"auth error aborts", KindAuthError, 0, 3, ActionAbort},
		{"fatal falls back", KindFatal, 0, 3, ActionFallback},
		{"recoverable retries", KindRecoverable, 0, 3, ActionRetry},
		{"last iteration forces fallback", KindRecoverable, 2, 3, ActionFallback},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := DetermineAction(ClassifiedError{Kind: tc.kind}, tc.attempt, tc.max)
			if got != tc.want {
				t.Errorf("DetermineAction(%s, %d/%d) = %s, want %s", tc.kind, tc.attempt, tc.max, got, tc.want)
			}
		})
	}
}

func TestRunner_SucceedsFirstTry(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 1)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{{Output: "done", NewMessages: []byte(`[{"role":"user","content":"hi"},{"role":"assistant","content":"done"}]`)}},
		errs:    []error{nil},
	}
	runner := NewRunner(st, transport, 3, 40, 60, 10, nil)

	rc := &RunContext{SessionID: sid, ChatID: 1, CurrentGoal: "hi"}
	output, success, err := runner.Run(context.Background(), rc, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !success || output != "done" {
		t.Fatalf("expected success with output 'done', got success=%v output=%q", success, output)
	}
	if rc.TotalAttempts != 1 {
		t.Fatalf("expected 1 total attempt, got %d", rc.TotalAttempts)
	}

	msgs, err := st.GetMessages(sid, 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Fatalf("expected user+assistant messages persisted, got %+v", msgs)
	}
}

func TestRunner_ContextOverflowThenSuccess(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 2)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{
			{},
			{Output: "recovered", NewMessages: []byte(`[{"role":"assistant","content":"recovered"}]`)},
		},
		errs: []error{errors.New("context too long for model"), nil},
	}
	runner := NewRunner(st, transport, 3, 40, 60, 10, nil)

	rc := &RunContext{SessionID: sid, ChatID: 2, CurrentGoal: "summarize this"}
	output, success, err := runner.Run(context.Background(), rc, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !success || output != "recovered" {
		t.Fatalf("expected eventual success, got success=%v output=%q", success, output)
	}
	if rc.TotalAttempts != 2 {
		t.Fatalf("expected 2 total attempts, got %d", rc.TotalAttempts)
	}
	if rc.RetryCount != 1 {
		t.Fatalf("expected 1 retryable attempt recorded, got %d", rc.RetryCount)
	}
}

func TestRunner_UsageLimitAbortsAndEmitsAutoRepairTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 3)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	taskID, err := st.UpsertResumableTask(sid, 3, "do the thing")
	if err != nil {
		t.Fatalf("UpsertResumableTask: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{{}},
		errs:    []error{errors.New("monthly limit reached")},
	}
	runner := NewRunner(st, transport, 3, 40, 60, 10, nil)

	rc := &RunContext{SessionID: sid, ChatID: 3, CurrentGoal: "do the thing"}
	_, success, err := runner.Run(context.Background(), rc, taskID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if success {
		t.Fatal("expected abort on usage limit, not success")
	}

	tasks, err := st.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one running task (the auto-repair task), got %d", len(tasks))
	}
	if !IsAutoRepairGoal(tasks[0].Goal) {
		t.Fatalf("expected auto-repair task goal to carry the prefix, got %q", tasks[0].Goal)
	}
}

func TestRunner_NoAutoRepairTaskWhenGoalAlreadyAutoRepair(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 4)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{{}},
		errs:    []error{errors.New("invalid api key")},
	}
	runner := NewRunner(st, transport, 3, 40, 60, 10, nil)

	rc := &RunContext{SessionID: sid, ChatID: 4, CurrentGoal: AutoRepairPrefix + " retry the failed goal"}
	_, success, err := runner.Run(context.Background(), rc, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if success {
		t.Fatal("expected failure")
	}

	tasks, err := st.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no chained auto-repair task, got %d", len(tasks))
	}
}

func TestRunner_NoAutoRepairTaskWhenResumedGoalWasAlreadyAutoRepair(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 5)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{{}},
		errs:    []error{errors.New("invalid api key")},
	}
	runner := NewRunner(st, transport, 3, 40, 60, 10, nil)

	storedGoal := AutoRepairPrefix + " retry the failed goal"
	// A resumed invocation wraps CurrentGoal in a resume prompt (mirroring
	// runtime.Sweep), so CurrentGoal itself no longer carries the prefix —
	// only OriginalGoal (the stored task.Goal) does.
	rc := &RunContext{
		SessionID:    sid,
		ChatID:       5,
		CurrentGoal:  BuildResumePrompt(storedGoal, 1),
		OriginalGoal: storedGoal,
	}
	_, success, err := runner.Run(context.Background(), rc, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if success {
		t.Fatal("expected failure")
	}

	tasks, err := st.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no chained auto-repair task for a resumed auto-repair goal, got %d", len(tasks))
	}
}

func TestFinishWithFallback_IncludesToolCallHistory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 6)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := st.AddMessage(sid, store.RoleUser, "do the thing", "", "", "", ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := st.AddMessage(sid, store.RoleTool, "", "search", `{"q":"x"}`, "found 3 results", ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{{}},
		errs:    []error{errors.New("monthly limit reached")},
	}
	runner := NewRunner(st, transport, 1, 40, 60, 10, nil)

	rc := &RunContext{SessionID: sid, ChatID: 6, CurrentGoal: "do the thing"}
	output, success, err := runner.Run(context.Background(), rc, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(output, "search") || !strings.Contains(output, "found 3 results") {
		t.Fatalf("expected fallback to mention the prior tool call, got %q", output)
	}
}

func TestTrimHistoryBlob_KeepsOnlyNewestElements(t *testing.T) {
	t.Parallel()
	var elems []map[string]string
	for i := 0; i < 50; i++ {
		elems = append(elems, map[string]string{"role": "user", "content": "x"})
	}
	blob, _ := json.Marshal(elems)

	trimmed := trimHistoryBlob(blob, 10)
	var out []map[string]string
	if err := json.Unmarshal(trimmed, &out); err != nil {
		t.Fatalf("unmarshal trimmed: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("expected 10 elements after trim, got %d", len(out))
	}
}

func TestTrimHistoryBlob_LeavesShortHistoryUntouched(t *testing.T) {
	t.Parallel()
	blob := []byte(`[{"role":"user","content":"hi"}]`)
	trimmed := trimHistoryBlob(blob, 10)
	if string(trimmed) != string(blob) {
		t.Fatalf("expected untouched blob, got %s", trimmed)
	}
}
