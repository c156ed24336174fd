package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shket/agentcore/pkg/agentcore/dispatcher"
	"github.com/shket/agentcore/pkg/agentcore/healing"
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
	mu      sync.Mutex
	calls   int
	results []llm.Result
	errs    []error
}

func (s *scriptedTransport) Run(ctx context.Context, goal string, history []byte) (llm.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], s.errs[i]
}

// recordingNotifier collects every notification posted to it.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (r *recordingNotifier) Notify(ctx context.Context, chatID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, text)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

// waitForNotes polls until at least n notifications arrived or a deadline
// passes, since HandleEvent and Sweep run their handlers asynchronously.
func (r *recordingNotifier) waitForNotes(n int) {
	deadline := time.Now().Add(2 * time.Second)
	for r.count() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func newTestRuntime(t *testing.T, transport llm.Transport, notifier Notifier) *Runtime {
	t.Helper()
	st := openTestStore(t)
	runner := healing.NewRunner(st, transport, 3, 40, 60, 10, nil)
	disp := dispatcher.New(nil)
	return New(st, disp, runner, "agentcore", 0, notifier, nil)
}

func TestHandleEvent_SuccessNotifiesAndCompletesTask(t *testing.T) {
	t.Parallel()
	transport := &scriptedTransport{
		results: []llm.Result{{Output: "hi there", NewMessages: []byte(`[{"role":"assistant","content":"hi there"}]`)}},
		errs:    []error{nil},
	}
	notifier := &recordingNotifier{}
	rt := newTestRuntime(t, transport, notifier)

	done := make(chan struct{})
	rt.Dispatcher.Dispatch(context.Background(), dispatcher.Event{ChatID: 1, Text: "hello"},
		func(ctx context.Context, e dispatcher.Event) {
			rt.HandleEvent(ctx, store.ScopeMain, e)
			close(done)
		})
	<-done
	notifier.waitForNotes(1)

	if notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count())
	}
	tasks, err := rt.Store.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected the event's task to be completed, %d still running", len(tasks))
	}
}

func TestSweep_ResumesInterruptedTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 7)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := st.UpsertResumableTask(sid, 7, "finish the report"); err != nil {
		t.Fatalf("UpsertResumableTask: %v", err)
	}

	transport := &scriptedTransport{
		results: []llm.Result{{Output: "resumed", NewMessages: []byte(`[{"role":"assistant","content":"resumed"}]`)}},
		errs:    []error{nil},
	}
	runner := healing.NewRunner(st, transport, 3, 40, 60, 10, nil)
	disp := dispatcher.New(nil)
	notifier := &recordingNotifier{}
	rt := New(st, disp, runner, "agentcore", 0, notifier, nil)

	if err := rt.Sweep(context.Background(), store.ScopeMain); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	notifier.waitForNotes(2)

	tasks, err := st.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected the resumed task to complete, %d still running", len(tasks))
	}
	// Expect the "resuming" pre-notice plus the eventual output.
	if notifier.count() != 2 {
		t.Fatalf("expected the resuming notice and the output from Sweep, got %d notifications", notifier.count())
	}
}

func TestSweep_GivesUpAfterMaxResumeCount(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 8)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	taskID, err := st.UpsertResumableTask(sid, 8, "a task that keeps crashing")
	if err != nil {
		t.Fatalf("UpsertResumableTask: %v", err)
	}
	for i := 0; i < DefaultMaxResumeCount; i++ {
		if err := st.IncrementResumeAndSetResumedAt(taskID); err != nil {
			t.Fatalf("IncrementResumeAndSetResumedAt: %v", err)
		}
	}

	transport := &scriptedTransport{results: []llm.Result{{}}, errs: []error{errors.New("should never be called")}}
	runner := healing.NewRunner(st, transport, 3, 40, 60, 10, nil)
	disp := dispatcher.New(nil)
	notifier := &recordingNotifier{}
	rt := New(st, disp, runner, "agentcore", 0, notifier, nil)

	if err := rt.Sweep(context.Background(), store.ScopeMain); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	tasks, err := st.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected the exhausted task to be marked failed, %d still running", len(tasks))
	}
	if notifier.count() != 1 {
		t.Fatalf("expected exactly one give-up notification, got %d", notifier.count())
	}
}

func TestNew_MaxResumeCountDefaultsWhenZero(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t, &scriptedTransport{results: []llm.Result{{}}, errs: []error{nil}}, nil)
	if rt.MaxResumeCount != DefaultMaxResumeCount {
		t.Fatalf("MaxResumeCount = %d, want default %d", rt.MaxResumeCount, DefaultMaxResumeCount)
	}
}

func TestNew_MaxResumeCountHonorsExplicitValue(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	runner := healing.NewRunner(st, &scriptedTransport{results: []llm.Result{{}}, errs: []error{nil}}, 3, 40, 60, 10, nil)
	disp := dispatcher.New(nil)
	rt := New(st, disp, runner, "agentcore", 7, nil, nil)
	if rt.MaxResumeCount != 7 {
		t.Fatalf("MaxResumeCount = %d, want 7 (explicit config value)", rt.MaxResumeCount)
	}
}

func TestSweep_HonorsConfiguredMaxResumeCount(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sid, err := st.GetOrCreateSession("agentcore", store.ScopeMain, 10)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	taskID, err := st.UpsertResumableTask(sid, 10, "a task that keeps crashing")
	if err != nil {
		t.Fatalf("UpsertResumableTask: %v", err)
	}
	// One resume already recorded; with a configured cap of 1 this task
	// must now be given up on, even though DefaultMaxResumeCount (3) would
	// have allowed another attempt.
	if err := st.IncrementResumeAndSetResumedAt(taskID); err != nil {
		t.Fatalf("IncrementResumeAndSetResumedAt: %v", err)
	}

	transport := &scriptedTransport{results: []llm.Result{{}}, errs: []error{errors.New("should never be called")}}
	runner := healing.NewRunner(st, transport, 3, 40, 60, 10, nil)
	disp := dispatcher.New(nil)
	rt := New(st, disp, runner, "agentcore", 1, nil, nil)

	if err := rt.Sweep(context.Background(), store.ScopeMain); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	tasks, err := st.ListRunningTasks()
	if err != nil {
		t.Fatalf("ListRunningTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected the task to be given up on under a configured cap of 1, %d still running", len(tasks))
	}
}

func TestRunningTasksAndQueuedByChat_ExposeDispatcherState(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t, &scriptedTransport{results: []llm.Result{{}}, errs: []error{nil}}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	rt.Dispatcher.Dispatch(context.Background(), dispatcher.Event{ChatID: 11, Text: "hi", Provider: "cli"},
		func(ctx context.Context, e dispatcher.Event) {
			close(started)
			<-release
		})
	<-started

	running := rt.RunningTasks()
	if len(running) != 1 || running[0].ChatID != 11 || running[0].Provider != "cli" {
		t.Fatalf("expected one running task for chat 11, got %+v", running)
	}
	if queued := rt.QueuedByChat(); len(queued) != 1 || queued[11] != 1 {
		t.Fatalf("expected chat 11 to report one queued (in-flight) event, got %v", queued)
	}

	close(release)
}

func TestSessionStats_DelegatesToStore(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t, &scriptedTransport{results: []llm.Result{{}}, errs: []error{nil}}, nil)
	sid, err := rt.Store.GetOrCreateSession("agentcore", store.ScopeMain, 9)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	stats, err := rt.SessionStats(sid, 10)
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if stats == nil {
		t.Fatal("expected non-nil stats")
	}
}
