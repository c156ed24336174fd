// Package runtime wires the Dispatcher, the Self-Healing Loop, and the
// Store into one cohesive unit — the in-scope analogue of the teacher's
// Assistant (pkg/goclaw/copilot/assistant.go) — and implements the
// boot-time resumable-task sweeper (spec §4.6.3).
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shket/agentcore/pkg/agentcore/dispatcher"
	"github.com/shket/agentcore/pkg/agentcore/healing"
	"github.com/shket/agentcore/pkg/agentcore/store"
)

// DefaultMaxResumeCount is the sweeper cap used when a Runtime is built
// with a zero MaxResumeCount (§4.6.3, mirroring config.HealingConfig's
// MaxResumeCount default).
const DefaultMaxResumeCount = 3

// Notifier is the minimal reply capability the runtime needs from a
// front-end adapter to post best-effort status notices (§4.6.3's "post a
// 'resuming' notice best-effort"); failures are logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string)
}

// Runtime drives agentcore: it holds the Store handle, the Dispatcher and
// the healing Runner it was built with by New (§4, §6.4).
type Runtime struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Runner     *healing.Runner
	AgentID    string
	Logger     *slog.Logger

	// MaxResumeCount bounds how many times Sweep will re-dispatch the same
	// interrupted task before giving up on it (§4.6.3), sourced from
	// config.HealingConfig.MaxResumeCount rather than hardcoded.
	MaxResumeCount int

	notifier Notifier
}

// New builds a Runtime over an already-opened store and LLM runner.
// maxResumeCount <= 0 falls back to DefaultMaxResumeCount.
func New(st *store.Store, disp *dispatcher.Dispatcher, runner *healing.Runner, agentID string, maxResumeCount int, notifier Notifier, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResumeCount <= 0 {
		maxResumeCount = DefaultMaxResumeCount
	}
	return &Runtime{
		Store: st, Dispatcher: disp, Runner: runner,
		AgentID: agentID, MaxResumeCount: maxResumeCount,
		notifier: notifier, Logger: logger,
	}
}

// HandleEvent dispatches one inbound chat event through the Dispatcher,
// running the full healing loop for its chat's session (§4, §6.1).
func (rt *Runtime) HandleEvent(ctx context.Context, scope string, event dispatcher.Event) {
	rt.Dispatcher.Dispatch(ctx, event, func(ctx context.Context, e dispatcher.Event) {
		sessionID, err := rt.Store.GetOrCreateSession(rt.AgentID, scope, e.ChatID)
		if err != nil {
			rt.Logger.Error("failed to resolve session", "chat_id", e.ChatID, "error", err)
			return
		}

		taskID, err := rt.Store.UpsertResumableTask(sessionID, e.ChatID, e.Text)
		if err != nil {
			rt.Logger.Error("failed to record resumable task", "chat_id", e.ChatID, "error", err)
			return
		}

		rc := &healing.RunContext{
			RunID: uuid.NewString(), SessionID: sessionID, ChatID: e.ChatID,
			UserID: e.UserID, CurrentGoal: e.Text, OriginalGoal: e.Text,
		}
		output, success, err := rt.Runner.Run(ctx, rc, taskID)
		if err != nil {
			rt.Logger.Error("healing run failed", "run_id", rc.RunID, "chat_id", e.ChatID, "error", err)
			return
		}

		if rt.notifier != nil {
			rt.notifier.Notify(ctx, e.ChatID, output)
		}
		rt.Logger.Info("event handled", "run_id", rc.RunID, "chat_id", e.ChatID, "success", success,
			"total_attempts", rc.TotalAttempts, "retry_count", rc.RetryCount)
	})
}

// Sweep runs the boot-time resumable-task recovery pass (§4.6.3): every
// task still marked running when the process starts was interrupted by a
// crash or restart. Tasks under MaxResumeCount are re-dispatched with a
// resume prompt; tasks that have exhausted their budget are marked failed.
func (rt *Runtime) Sweep(ctx context.Context, scope string) error {
	tasks, err := rt.Store.ListRunningTasks()
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}

	for _, task := range tasks {
		if task.ResumeCount >= rt.MaxResumeCount {
			if err := rt.Store.FailTask(task.ID); err != nil {
				rt.Logger.Warn("failed to mark exhausted task failed", "task_id", task.ID, "error", err)
			}
			if rt.notifier != nil {
				rt.notifier.Notify(ctx, task.ChatID, fmt.Sprintf(
					"⚠️ Giving up on a task after %d resume attempts: %s", task.ResumeCount, task.Goal))
			}
			continue
		}

		if err := rt.Store.IncrementResumeAndSetResumedAt(task.ID); err != nil {
			rt.Logger.Warn("failed to bump resume count", "task_id", task.ID, "error", err)
			continue
		}

		if rt.notifier != nil {
			rt.notifier.Notify(ctx, task.ChatID, fmt.Sprintf(
				"🔄 Resuming an interrupted task (attempt %d)...", task.ResumeCount+1))
		}

		resumeGoal := healing.BuildResumePrompt(task.Goal, task.ResumeCount)
		originalGoal := task.Goal
		rt.Dispatcher.Dispatch(ctx, dispatcher.Event{ChatID: task.ChatID, Text: resumeGoal, Provider: "sweep"}, func(ctx context.Context, e dispatcher.Event) {
			rc := &healing.RunContext{
				RunID: uuid.NewString(), SessionID: task.SessionID, ChatID: task.ChatID,
				CurrentGoal: e.Text, OriginalGoal: originalGoal,
			}
			output, success, err := rt.Runner.Run(ctx, rc, task.ID)
			if err != nil {
				rt.Logger.Error("resume run failed", "task_id", task.ID, "error", err)
				return
			}
			if rt.notifier != nil {
				rt.notifier.Notify(ctx, task.ChatID, output)
			}
			rt.Logger.Info("resumed task handled", "task_id", task.ID, "success", success)
		})
	}
	return nil
}

// RunningTasks exposes the Dispatcher's in-flight handlers (§6.4's
// running_tasks() → list<{id, chat_id, text, provider, started_at}>).
func (rt *Runtime) RunningTasks() []dispatcher.ActiveTask {
	return rt.Dispatcher.Running()
}

// QueuedByChat exposes the Dispatcher's per-chat queue depths (§6.4's
// queued_by_chat() → map<chat_id, count>).
func (rt *Runtime) QueuedByChat() map[int64]int64 {
	return rt.Dispatcher.QueuedByChat()
}

// SessionStats exposes the §6.4/§12 session summary.
func (rt *Runtime) SessionStats(sessionID int64, lastN int) (*store.SessionStats, error) {
	return rt.Store.SessionStats(sessionID, lastN)
}
