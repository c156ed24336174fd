package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shket/agentcore/pkg/agentcore/llm"
	"github.com/shket/agentcore/pkg/agentcore/store"
)

// Action is a healing action chosen for a classified error (§4.2 step 3c).
type Action string

const (
	ActionRetry            Action = "RETRY"
	ActionCompressAndRetry Action = "COMPRESS_AND_RETRY"
	ActionWaitAndRetry     Action = "WAIT_AND_RETRY"
	ActionFallback         Action = "FALLBACK"
	ActionAbort            Action = "ABORT"
)

// DetermineAction maps a classified error (and whether budget remains) to
// a healing action, per the §4.2 step-3c table. If this is the last
// iteration regardless of class, FALLBACK overrides everything.
func DetermineAction(classified ClassifiedError, attempt, maxAttempts int) Action {
	if attempt >= maxAttempts-1 {
		return ActionFallback
	}
	switch classified.Kind {
	case KindContextOverflow:
		return ActionCompressAndRetry
	case KindRateLimit:
		return ActionWaitAndRetry
	case KindUsageLimit, KindAuthError:
		return ActionAbort
	case KindFatal:
		return ActionFallback
	default: // RECOVERABLE, UNKNOWN
		return ActionRetry
	}
}

// RunContext is the ephemeral per-invocation state described in §3's "Run
// Context (ephemeral)" row. It is never persisted; a fresh one is created
// per handler invocation.
type RunContext struct {
	RunID         string // correlates log lines for one invocation (§6.4)
	SessionID     int64
	ChatID        int64
	UserID        int64
	RetryCount    int // retryable attempts only (§8)
	TotalAttempts int
	LastError     error
	CurrentGoal   string

	// OriginalGoal is the task's stored goal, before any resume/retry
	// wrapping applied to CurrentGoal (e.g. BuildResumePrompt). It is the
	// text checked for the auto-repair prefix (§4.6.2's chain-prevention
	// rule), since CurrentGoal for a resumed task is the wrapped resume
	// prompt, never the literal stored goal. Defaults to CurrentGoal when
	// left unset, which is correct for a fresh (non-resumed) invocation.
	OriginalGoal string
}

// historyElem is the element shape the healing loop trims/compresses by
// count — the same {role, content} shape llm.Client serializes as the
// opaque message-history blob (spec §9: trim only by element count).
type historyElem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Runner drives the §4.2 self-healing retry loop for one goal.
type Runner struct {
	Store             *store.Store
	Transport         llm.Transport
	MaxRetries        int
	MaxMessageHistory int
	MaxWaitSeconds    int
	KeepRecent        int
	Logger            *slog.Logger

	// sleep is overridable in tests to avoid real waits on WAIT_AND_RETRY.
	sleep func(context.Context, time.Duration)
}

// NewRunner builds a Runner with the SPEC_FULL.md §10.2 defaults filled in
// for any zero-valued tunable.
func NewRunner(st *store.Store, transport llm.Transport, maxRetries, maxMessageHistory, maxWaitSeconds, keepRecent int, logger *slog.Logger) *Runner {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if maxMessageHistory <= 0 {
		maxMessageHistory = 40
	}
	if maxWaitSeconds <= 0 {
		maxWaitSeconds = defaultMaxWaitSeconds
	}
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Store: st, Transport: transport,
		MaxRetries: maxRetries, MaxMessageHistory: maxMessageHistory,
		MaxWaitSeconds: maxWaitSeconds, KeepRecent: keepRecent,
		Logger: logger,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		},
	}
}

// Run executes the §4.2 algorithm for one goal bound to a session. taskID
// is the id of the resumable task bound to this run, or 0 if none is
// tracked. Returns the final user-visible output and whether an LLM
// attempt ultimately succeeded.
func (r *Runner) Run(ctx context.Context, rc *RunContext, taskID int64) (output string, success bool, err error) {
	if _, err := r.Store.AddMessage(rc.SessionID, store.RoleUser, rc.CurrentGoal, "", "", "", ""); err != nil {
		return "", false, fmt.Errorf("persisting user message: %w", err)
	}

	storedHistory, err := r.Store.GetModelMessageHistory(rc.SessionID)
	if err != nil {
		return "", false, fmt.Errorf("loading message history: %w", err)
	}
	historyBlob := trimHistoryBlob([]byte(storedHistory), r.MaxMessageHistory)

	currentGoal := rc.CurrentGoal

	for attempt := 0; attempt < r.MaxRetries; attempt++ {
		rc.TotalAttempts++

		result, runErr := r.Transport.Run(ctx, currentGoal, historyBlob)
		if runErr == nil {
			if err := r.Store.SetModelMessageHistory(rc.SessionID, string(trimHistoryBlob(result.NewMessages, r.MaxMessageHistory))); err != nil {
				return "", false, fmt.Errorf("persisting message history: %w", err)
			}
			if _, err := r.Store.AddMessage(rc.SessionID, store.RoleAssistant, result.Output, "", "", "", ""); err != nil {
				return "", false, fmt.Errorf("persisting assistant message: %w", err)
			}
			if taskID != 0 {
				if err := r.Store.CompleteTask(taskID); err != nil {
					r.Logger.Warn("failed to mark resumable task completed", "task_id", taskID, "error", err)
				}
			}
			return result.Output, true, nil
		}

		rc.LastError = runErr
		classified := Classify(runErr)
		action := DetermineAction(classified, attempt, r.MaxRetries)

		r.Logger.Info("healing action chosen",
			"run_id", rc.RunID, "chat_id", rc.ChatID, "attempt", attempt, "kind", classified.Kind, "action", action)

		if classified.Retryable {
			rc.RetryCount++
		}

		switch action {
		case ActionCompressAndRetry:
			historyBlob = compressHistoryBlob(historyBlob, r.KeepRecent)
			currentGoal = BuildRetryPrompt(rc.CurrentGoal, runErr, attempt, r.MaxRetries)
			continue
		case ActionWaitAndRetry:
			wait := classified.WaitSeconds
			if wait > r.MaxWaitSeconds {
				wait = r.MaxWaitSeconds
			}
			r.sleep(ctx, time.Duration(wait)*time.Second)
			currentGoal = BuildRetryPrompt(rc.CurrentGoal, runErr, attempt, r.MaxRetries)
			continue
		case ActionRetry:
			currentGoal = BuildRetryPrompt(rc.CurrentGoal, runErr, attempt, r.MaxRetries)
			continue
		case ActionAbort, ActionFallback:
			return r.finishWithFallback(rc, taskID)
		}
	}

	return r.finishWithFallback(rc, taskID)
}

// finishWithFallback synthesizes a fallback, persists it as the assistant
// message, marks the bound task failed, and emits an auto-repair task when
// applicable (§4.2 step 4, §4.6.2).
func (r *Runner) finishWithFallback(rc *RunContext, taskID int64) (string, bool, error) {
	classified := Classify(rc.LastError)
	fallback := Generate(PartialResult{
		ToolCalls:    r.loadToolCallSummaries(rc.SessionID),
		ErrorMessage: classified.RawMessage,
		AttemptCount: rc.TotalAttempts,
		ErrorKind:    classified.Kind,
	})

	if _, err := r.Store.AddMessage(rc.SessionID, store.RoleAssistant, fallback, "", "", "", ""); err != nil {
		return fallback, false, fmt.Errorf("persisting fallback message: %w", err)
	}

	if taskID != 0 {
		if err := r.Store.FailTask(taskID); err != nil {
			r.Logger.Warn("failed to mark resumable task failed", "task_id", taskID, "error", err)
		}
	}

	originalGoal := rc.OriginalGoal
	if originalGoal == "" {
		originalGoal = rc.CurrentGoal
	}
	if rc.ChatID != 0 && !IsAutoRepairGoal(originalGoal) {
		repairGoal := BuildAutoRepairGoal(originalGoal, rc.LastError, rc.TotalAttempts, fallback)
		if _, err := r.Store.UpsertResumableTask(rc.SessionID, rc.ChatID, repairGoal); err != nil {
			r.Logger.Warn("failed to emit auto-repair task", "error", err)
		}
	}

	return fallback, false, nil
}

// maxFallbackToolCalls bounds how many tool calls are collected from the
// session's 100 most recent messages for a fallback. Generate renders only
// the first five of the collected calls (§4.4.3).
const maxFallbackToolCalls = 20

// loadToolCallSummaries reads the session's most recent tool-role
// messages so Generate can render "completed actions" into the fallback
// (§4.2's history-capture contract: partial history written by tool calls
// before a failure remains readable by the fallback synthesizer). Best
// effort: a read failure here must not block fallback delivery.
func (r *Runner) loadToolCallSummaries(sessionID int64) []ToolCallSummary {
	msgs, err := r.Store.GetRecentMessages(sessionID, 100)
	if err != nil {
		r.Logger.Warn("failed to load tool call history for fallback", "error", err)
		return nil
	}

	// Walk newest-to-oldest so the most recent tool calls are kept when
	// more than maxFallbackToolCalls occurred, then restore chronological
	// order for display.
	var calls []ToolCallSummary
	for i := len(msgs) - 1; i >= 0 && len(calls) < maxFallbackToolCalls; i-- {
		m := msgs[i]
		if m.Role != store.RoleTool {
			continue
		}
		name := m.ToolName
		if name == "" {
			name = "tool"
		}
		calls = append(calls, ToolCallSummary{Name: name, Result: m.ToolResult})
	}
	for i, j := 0, len(calls)-1; i < j; i, j = i+1, j-1 {
		calls[i], calls[j] = calls[j], calls[i]
	}
	return calls
}

// trimHistoryBlob keeps only the newest maxElements entries of a JSON
// array blob, by element count (spec §9: never byte surgery).
func trimHistoryBlob(blob []byte, maxElements int) []byte {
	if len(blob) == 0 {
		return blob
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(blob, &elems); err != nil {
		return blob // opaque and malformed-for-us; leave untouched
	}
	if len(elems) <= maxElements {
		return blob
	}
	trimmed := elems[len(elems)-maxElements:]
	out, err := json.Marshal(trimmed)
	if err != nil {
		return blob
	}
	return out
}

// compressHistoryBlob decodes the blob's {role, content} elements, runs
// them through the Compressor, and re-encodes (§4.2 step 3d).
func compressHistoryBlob(blob []byte, keepRecent int) []byte {
	if len(blob) == 0 {
		return blob
	}
	var elems []historyElem
	if err := json.Unmarshal(blob, &elems); err != nil {
		return blob
	}

	history := make([]HistoryMessage, len(elems))
	for i, e := range elems {
		history[i] = HistoryMessage{Role: e.Role, Content: e.Content}
	}

	result := NewCompressor(keepRecent).Compress(history, 0)

	compressed := make([]historyElem, len(result.Compressed))
	for i, m := range result.Compressed {
		compressed[i] = historyElem{Role: m.Role, Content: m.Content}
	}

	out, err := json.Marshal(compressed)
	if err != nil {
		return blob
	}
	return out
}
