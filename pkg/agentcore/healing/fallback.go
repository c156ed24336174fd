package healing

import (
	"fmt"
	"strings"
)

// ToolCallSummary is one executed tool call rendered into a fallback
// message (§4.4.3): name plus a truncated result summary.
type ToolCallSummary struct {
	Name   string
	Result string // empty means "no result"
}

// PartialResult carries everything the fallback synthesizer needs: what
// ran before the run gave up (§4.4.3).
type PartialResult struct {
	ToolCalls    []ToolCallSummary
	ErrorMessage string
	AttemptCount int
	ErrorKind    ErrorKind
}

type fallbackTemplate struct {
	title          string
	recommendation string
}

// fallbackTemplates map each error kind to a user-visible title and
// recommendation. Per SPEC_FULL.md §14, these are freshly authored in
// English — spec §9 states the exact wording is illustrative; only the
// one-to-one mapping from kind to template is normative.
var fallbackTemplates = map[ErrorKind]fallbackTemplate{
	KindUsageLimit: {
		title:          "⏸️ Usage limit reached",
		recommendation: "Try again once your usage limit resets, or switch to a different provider.",
	},
	KindAuthError: {
		title:          "🔒 Authentication failed",
		recommendation: "Check that the configured API key is valid and has not expired.",
	},
	KindRateLimit: {
		title:          "⏳ Rate limited",
		recommendation: "The request will be retried automatically after a short wait.",
	},
	KindContextOverflow: {
		title:          "📉 Conversation too long",
		recommendation: "The conversation history was compressed; try a more focused request.",
	},
	KindFatal: {
		title:          "⚠️ Service error",
		recommendation: "The model provider reported an unrecoverable error. Try again later.",
	},
	KindRecoverable: {
		title:          "❓ Something went wrong",
		recommendation: "Please try rephrasing your request.",
	},
}

// Generate renders the §4.4.3 fallback string: title, up to five executed
// tool calls with ≤100-char result summaries, the last error message,
// attempt count (if >1), and the recommendation.
func Generate(p PartialResult) string {
	tmpl, ok := fallbackTemplates[p.ErrorKind]
	if !ok {
		tmpl = fallbackTemplates[KindRecoverable]
	}

	var b strings.Builder
	b.WriteString(tmpl.title)
	b.WriteString("\n\n")

	if len(p.ToolCalls) > 0 {
		b.WriteString("Completed actions:\n")
		n := len(p.ToolCalls)
		if n > 5 {
			n = 5
		}
		for _, tc := range p.ToolCalls[:n] {
			b.WriteString(fmt.Sprintf("- %s: %s\n", tc.Name, summarizeResult(tc.Result, 100)))
		}
		b.WriteString("\n")
	}

	if p.ErrorMessage != "" {
		b.WriteString(fmt.Sprintf("Last error: %s\n", p.ErrorMessage))
	}
	if p.AttemptCount > 1 {
		b.WriteString(fmt.Sprintf("Attempts made: %d\n", p.AttemptCount))
	}
	b.WriteString(tmpl.recommendation)

	return b.String()
}

// GenerateFromError classifies err and synthesizes a fallback from it
// directly (§4.4.3's "direct synthesis from an exception").
func GenerateFromError(err error, attemptCount int, toolCalls []ToolCallSummary) string {
	classified := Classify(err)
	return Generate(PartialResult{
		ToolCalls:    toolCalls,
		ErrorMessage: classified.RawMessage,
		AttemptCount: attemptCount,
		ErrorKind:    classified.Kind,
	})
}

func summarizeResult(result string, maxLength int) string {
	if result == "" {
		return "no result"
	}
	result = normalizeWhitespace(result)
	if len(result) > maxLength {
		return result[:maxLength] + "..."
	}
	return result
}

// BuildRetryPrompt produces the diagnostic fed back into the next LLM
// iteration (§4.4.3's "distinct retry_prompt function"): the original goal
// plus a bracketed diagnostic naming the error kind, message, and a
// strategy-specific hint.
func BuildRetryPrompt(goal string, err error, attempt, maxAttempts int) string {
	classified := Classify(err)

	hint := "Please try a different approach."
	switch classified.SuggestedAction {
	case ActionCompressContext:
		hint = "The conversation history has been compressed to make room; continue from the summary."
	case ActionWaitBeforeRetry:
		hint = fmt.Sprintf("Waited %ds before retrying; try again.", classified.WaitSeconds)
	}

	return fmt.Sprintf(
		"%s\n\n[Attempt %d/%d failed.\nError kind: %s\nMessage: %s\n%s]",
		goal, attempt+1, maxAttempts, classified.Kind, classified.RawMessage, hint,
	)
}

// AutoRepairPrefix marks a goal as an auto-repair task so that failed
// auto-repair runs never spawn a further auto-repair task (§4.6.2).
const AutoRepairPrefix = "[Auto-repair]"

// BuildAutoRepairGoal renders the structured auto-repair template (§4.6.2).
// partialOutput is truncated to 3000 chars with a truncation marker.
func BuildAutoRepairGoal(originalGoal string, lastErr error, attemptCount int, partialOutput string) string {
	const maxPartial = 3000
	truncated := partialOutput
	if len(truncated) > maxPartial {
		truncated = truncated[:maxPartial] + "\n... [truncated]"
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	return fmt.Sprintf(
		`%s The previous run failed after %d attempt(s). Fix the cause
and complete the original task. Use get_todo if needed, then reply with
the result.

Original goal:
%s

Last error:
%s

Partial output before failure:
%s

Fix the error and complete or report progress.`,
		AutoRepairPrefix, attemptCount, originalGoal, errMsg, truncated,
	)
}

// IsAutoRepairGoal reports whether a goal is itself an auto-repair task,
// used to suppress chained auto-repair generation (§4.6.2).
func IsAutoRepairGoal(goal string) bool {
	return strings.HasPrefix(goal, AutoRepairPrefix)
}

// BuildResumePrompt builds the prompt used by the boot-time sweeper to
// re-dispatch an interrupted task (§4.6.3): it must contain "Resume" and
// the original goal verbatim (tested against in §8 scenario 5).
func BuildResumePrompt(storedGoal string, resumeCount int) string {
	return fmt.Sprintf(
		"Resume this previously interrupted task (resume attempt %d):\n\n%s",
		resumeCount+1, storedGoal,
	)
}
