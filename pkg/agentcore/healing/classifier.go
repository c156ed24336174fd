// Package healing implements the Self-Healing Loop (spec §4.2), the Error
// Classifier (§4.3), the Context Compressor and Fallback Synthesizer (§4.4).
//
// Grounded in original_source/agent/healing/{classifier,compressor,fallback,
// strategies}.py, re-expressed as a pure-function Go classifier (spec §9:
// "the classifier as the single point of truth... a pure function from
// (kind, raw_message) to ClassifiedError") plus a Runner that orchestrates
// the retry loop the way the teacher's pkg/goclaw/copilot/agent.go drives
// its own turn loop (compactMessages, doLLMCallWithOverflowRetry).
package healing

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind is one of the six classification buckets (§4.3).
type ErrorKind string

const (
	KindContextOverflow ErrorKind = "CONTEXT_OVERFLOW"
	KindUsageLimit      ErrorKind = "USAGE_LIMIT"
	KindAuthError       ErrorKind = "AUTH_ERROR"
	KindRateLimit       ErrorKind = "RATE_LIMIT"
	KindFatal           ErrorKind = "FATAL"
	KindRecoverable     ErrorKind = "RECOVERABLE"
)

// Suggested actions, one per kind (§4.3 table).
const (
	ActionCompressContext = "compress_context"
	ActionFallbackResponse = "fallback_response"
	ActionWaitBeforeRetry = "wait_and_retry"
	ActionRetryWithContext = "retry_with_context"
)

// ClassifiedError is the result of classifying an arbitrary error (§4.3).
type ClassifiedError struct {
	Kind            ErrorKind
	Retryable       bool
	SuggestedAction string
	WaitSeconds     int // only meaningful when Kind == KindRateLimit
	RawMessage      string
}

// defaultMaxWaitSeconds caps the wait extracted for RATE_LIMIT (§4.3).
const defaultMaxWaitSeconds = 60

var (
	contextOverflowPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)context too long`),
		regexp.MustCompile(`(?i)token limit exceeded`),
		regexp.MustCompile(`(?i)prompt too long`),
		regexp.MustCompile(`(?i)context_length_exceeded`),
		regexp.MustCompile(`(?i)maximum context length`),
	}
	usageLimitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)quota exceeded`),
		regexp.MustCompile(`(?i)billing limit`),
		regexp.MustCompile(`(?i)monthly limit`),
		regexp.MustCompile(`(?i)usage limit`),
	}
	authErrorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)invalid api key`),
		regexp.MustCompile(`(?i)unauthorized`),
		regexp.MustCompile(`\b401\b`),
		regexp.MustCompile(`\b403\b`),
	}
	rateLimitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate limit`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`\b429\b`),
		regexp.MustCompile(`(?i)retry after`),
	}
	fatalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)model not found`),
		regexp.MustCompile(`(?i)service unavailable`),
		regexp.MustCompile(`\b5\d\d\b`),
	}
)

// waitSecondsPatterns extract an explicit wait duration from a rate-limit
// message, in priority order (§4.3, matching classifier.py's
// _extract_wait_time).
var waitSecondsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry.*after.*?(\d+)`),
	regexp.MustCompile(`(?i)wait.*?(\d+).*?(?:second|sec)`),
	regexp.MustCompile(`(?i)retry.?in.*?(\d+)`),
}

// Classify maps an error's stringified form to a ClassifiedError. Patterns
// are evaluated in order; the first match wins (§4.3).
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Kind: KindRecoverable, Retryable: true, SuggestedAction: ActionRetryWithContext}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw error message string directly, so tests
// and callers holding only a string (e.g. a transport error body) can reuse
// the same pure function the error-typed Classify delegates to.
func ClassifyMessage(message string) ClassifiedError {
	switch {
	case matchesAny(message, contextOverflowPatterns):
		return ClassifiedError{Kind: KindContextOverflow, Retryable: true, SuggestedAction: ActionCompressContext, RawMessage: message}
	case matchesAny(message, usageLimitPatterns):
		return ClassifiedError{Kind: KindUsageLimit, Retryable: false, SuggestedAction: ActionFallbackResponse, RawMessage: message}
	case matchesAny(message, authErrorPatterns):
		return ClassifiedError{Kind: KindAuthError, Retryable: false, SuggestedAction: ActionFallbackResponse, RawMessage: message}
	case matchesAny(message, rateLimitPatterns):
		return ClassifiedError{
			Kind: KindRateLimit, Retryable: true, SuggestedAction: ActionWaitBeforeRetry,
			WaitSeconds: extractWaitSeconds(message), RawMessage: message,
		}
	case matchesAny(message, fatalPatterns):
		return ClassifiedError{Kind: KindFatal, Retryable: false, SuggestedAction: ActionFallbackResponse, RawMessage: message}
	default:
		return ClassifiedError{Kind: KindRecoverable, Retryable: true, SuggestedAction: ActionRetryWithContext, RawMessage: message}
	}
}

func matchesAny(message string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}

// extractWaitSeconds pulls a wait duration out of a rate-limit message,
// defaulting to 60 and capping at defaultMaxWaitSeconds (§4.3, §8's
// "rate-limit message without a number → wait defaults to 60s").
func extractWaitSeconds(message string) int {
	for _, p := range waitSecondsPatterns {
		m := p.FindStringSubmatch(message)
		if len(m) < 2 {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			return capWait(n)
		}
	}
	return defaultMaxWaitSeconds
}

func capWait(seconds int) int {
	if seconds > defaultMaxWaitSeconds {
		return defaultMaxWaitSeconds
	}
	if seconds < 0 {
		return defaultMaxWaitSeconds
	}
	return seconds
}

// ShouldRetry reports whether a healing loop should attempt another
// iteration: there is budget left AND the error is retryable (§4.3).
func ShouldRetry(err error, attempt, maxAttempts int) bool {
	return attempt < maxAttempts-1 && Classify(err).Retryable
}

// normalizeWhitespace collapses runs of whitespace to a single space,
// mirroring classifier.py/compressor.py's re.sub(r"\s+", " ", s) cleanups
// used when building previews.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
