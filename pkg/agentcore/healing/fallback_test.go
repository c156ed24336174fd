package healing

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerate_IncludesToolCallsErrorAndAttempts(t *testing.T) {
	t.Parallel()
	out := Generate(PartialResult{
		ToolCalls: []ToolCallSummary{
			{Name: "search_files", Result: "found 3 matches"},
			{Name: "read_file", Result: ""},
		},
		ErrorMessage: "service unavailable",
		AttemptCount: 3,
		ErrorKind:    KindFatal,
	})

	for _, want := range []string{"search_files", "found 3 matches", "read_file", "no result", "service unavailable", "Attempts made: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("fallback output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_CapsToolCallsAtFive(t *testing.T) {
	t.Parallel()
	var calls []ToolCallSummary
	for i := 0; i < 10; i++ {
		calls = append(calls, ToolCallSummary{Name: "tool", Result: "x"})
	}
	out := Generate(PartialResult{ToolCalls: calls, ErrorKind: KindRecoverable})
	if strings.Count(out, "- tool:") != 5 {
		t.Fatalf("expected exactly 5 rendered tool calls, got %d", strings.Count(out, "- tool:"))
	}
}

func TestGenerate_OmitsAttemptCountWhenOne(t *testing.T) {
	t.Parallel()
	out := Generate(PartialResult{ErrorKind: KindRecoverable, AttemptCount: 1})
	if strings.Contains(out, "Attempts made") {
		t.Error("expected no attempt count line for a single attempt")
	}
}

func TestGenerate_UnknownKindFallsBackToRecoverable(t *testing.T) {
	t.Parallel()
	out := Generate(PartialResult{ErrorKind: ErrorKind("SOMETHING_NEW")})
	if !strings.Contains(out, fallbackTemplates[KindRecoverable].title) {
		t.Error("expected unknown error kind to use the recoverable template")
	}
}

func TestGenerateFromError(t *testing.T) {
	t.Parallel()
	out := GenerateFromError(errors.New("monthly limit reached"), 1, nil)
	if !strings.Contains(out, fallbackTemplates[KindUsageLimit].title) {
		t.Errorf("expected usage-limit template, got:\n%s", out)
	}
}

func TestSummarizeResult_TruncatesLongResults(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 200)
	got := summarizeResult(long, 100)
	if len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncated+ellipsis result of length 103, got length %d", len(got))
	}
}

func TestBuildRetryPrompt_ContainsOriginalGoalAndDiagnostic(t *testing.T) {
	t.Parallel()
	out := BuildRetryPrompt("fix the bug in parser.go", errors.New("rate limit exceeded"), 0, 3)
	if !strings.Contains(out, "fix the bug in parser.go") {
		t.Error("expected retry prompt to contain original goal")
	}
	if !strings.Contains(out, "Attempt 1/3") {
		t.Error("expected retry prompt to contain attempt counter")
	}
	if !strings.Contains(out, string(KindRateLimit)) {
		t.Error("expected retry prompt to name the error kind")
	}
}

func TestAutoRepairGoal_RoundTrip(t *testing.T) {
	t.Parallel()
	original := "summarize the quarterly report"
	goal := BuildAutoRepairGoal(original, errors.New("boom"), 2, "partial output here")

	if !IsAutoRepairGoal(goal) {
		t.Fatal("expected BuildAutoRepairGoal output to be recognized as an auto-repair goal")
	}
	if !strings.Contains(goal, original) {
		t.Error("expected auto-repair goal to contain the original goal verbatim")
	}
	if IsAutoRepairGoal(original) {
		t.Error("expected the original, non-prefixed goal to not be misclassified")
	}
}

func TestAutoRepairGoal_TruncatesLongPartialOutput(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("y", 5000)
	goal := BuildAutoRepairGoal("goal", nil, 1, long)
	if !strings.Contains(goal, "[truncated]") {
		t.Error("expected long partial output to be truncated with a marker")
	}
}

func TestBuildResumePrompt_ContainsResumeAndGoal(t *testing.T) {
	t.Parallel()
	out := BuildResumePrompt("finish the migration script", 1)
	if !strings.Contains(out, "Resume") {
		t.Error("expected resume prompt to contain 'Resume'")
	}
	if !strings.Contains(out, "finish the migration script") {
		t.Error("expected resume prompt to contain the original goal verbatim")
	}
}
