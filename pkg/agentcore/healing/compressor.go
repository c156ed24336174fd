package healing

import (
	"fmt"
	"regexp"
	"strings"
)

// HistoryMessage is one entry of conversation history as the compressor
// sees it — a simplified, compression-relevant view over store.Message
// (content + role only; tool_name/tool_params/tool_result are folded into
// Content by the caller before compression, since the compressor only
// needs to know "is this a tool message", not the tool's structured
// arguments).
type HistoryMessage struct {
	Role    string
	Content string
}

func (m HistoryMessage) isTool() bool {
	return m.Role == "tool" || m.Role == "tool_call"
}

func (m HistoryMessage) isSystem() bool {
	return m.Role == "system"
}

// DefaultKeepRecent is the default number of recent messages always kept
// (§4.4.1).
const DefaultKeepRecent = 10

// MaxToolMessages caps how many recent tool messages are preserved (§4.4.1).
const MaxToolMessages = 10

// CompressionResult is the outcome of a compression pass (§4.4.1).
type CompressionResult struct {
	Compressed       []HistoryMessage
	RemovedCount     int
	Summary          string
	CompressionRatio float64
}

// Compressor compresses conversation history to fit a context window,
// keeping system messages, a synthesized summary of older turns, recent
// tool messages, and the most recent verbatim messages, in that priority
// order (§4.4.1).
type Compressor struct {
	KeepRecent int
}

// NewCompressor returns a Compressor with the given keep_recent window.
func NewCompressor(keepRecent int) *Compressor {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	return &Compressor{KeepRecent: keepRecent}
}

// Compress returns history unchanged with ratio 1.0 when it holds at most
// target messages (KeepRecent if target <= 0) (§8 boundary behavior).
// Otherwise it keeps the KeepRecent newest messages verbatim and compresses
// everything older; target does not set the size of the output.
func (c *Compressor) Compress(history []HistoryMessage, target int) CompressionResult {
	if len(history) == 0 {
		return CompressionResult{CompressionRatio: 1.0}
	}
	if target <= 0 {
		target = c.KeepRecent
	}
	if len(history) <= target {
		return CompressionResult{Compressed: history, CompressionRatio: 1.0}
	}

	recentStart := len(history) - c.KeepRecent
	if recentStart < 0 {
		recentStart = 0
	}
	recent := history[recentStart:]
	older := history[:recentStart]

	var systemMsgs, toolMsgs, nonToolOlder []HistoryMessage
	for _, m := range older {
		switch {
		case m.isSystem():
			systemMsgs = append(systemMsgs, m)
		case m.isTool():
			toolMsgs = append(toolMsgs, m)
		default:
			nonToolOlder = append(nonToolOlder, m)
		}
	}

	summary := ""
	if len(nonToolOlder) > 0 {
		summary = summarizeMessages(nonToolOlder)
	}

	var compressed []HistoryMessage
	if n := len(systemMsgs); n > 3 {
		compressed = append(compressed, systemMsgs[:3]...)
	} else {
		compressed = append(compressed, systemMsgs...)
	}
	if summary != "" {
		compressed = append(compressed, HistoryMessage{
			Role:    "system",
			Content: fmt.Sprintf("[Previous context summary: %s]", summary),
		})
	}
	if n := len(toolMsgs); n > MaxToolMessages {
		compressed = append(compressed, toolMsgs[n-MaxToolMessages:]...)
	} else {
		compressed = append(compressed, toolMsgs...)
	}
	compressed = append(compressed, recent...)

	originalSize := sizeOf(history)
	compressedSize := sizeOf(compressed)
	ratio := 1.0
	if compressedSize > 0 {
		ratio = float64(originalSize) / float64(compressedSize)
	}

	return CompressionResult{
		Compressed:       compressed,
		RemovedCount:     len(history) - len(compressed),
		Summary:          summary,
		CompressionRatio: ratio,
	}
}

func sizeOf(msgs []HistoryMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

var (
	topicPatterns = []struct {
		re    *regexp.Regexp
		label string
	}{
		{regexp.MustCompile(`(?i)files?\s*[:\s]+([a-zA-Z0-9_\-.]+)`), "files"},
		{regexp.MustCompile(`(?i)director(?:y|ies)\s*[:\s]+([a-zA-Z0-9_\-/]+)`), "directories"},
		{regexp.MustCompile(`(?i)function(?:ality)?\s*[:\s]+([a-zA-Z0-9_\-]+)`), "functions"},
		{regexp.MustCompile(`(?i)class(?:es)?\s*[:\s]+([a-zA-Z0-9_\-]+)`), "classes"},
		{regexp.MustCompile(`(?i)modules?\s*[:\s]+([a-zA-Z0-9_\-]+)`), "modules"},
	}
)

// extractTopics pulls up to three topic tags from the first five assistant
// messages (§4.4.2). Purely cosmetic enrichment of the summary.
func extractTopics(messages []HistoryMessage) []string {
	var topics []string
	seen := make(map[string]bool)
	limit := 5
	if len(messages) < limit {
		limit = len(messages)
	}
	for _, m := range messages[:limit] {
		for _, tp := range topicPatterns {
			match := tp.re.FindStringSubmatch(m.Content)
			if len(match) < 2 {
				continue
			}
			value := match[1]
			if len(value) > 20 {
				value = value[:20]
			}
			topic := fmt.Sprintf("%s: %s", tp.label, value)
			if !seen[topic] {
				seen[topic] = true
				topics = append(topics, topic)
				if len(topics) == 3 {
					return topics
				}
			}
		}
	}
	return topics
}

// summarizeMessages builds the synthetic summary line described in §4.4.1:
// counts, a ≤80-char first-user preview, a ≤60-char last-user preview (if
// there is more than one user turn), and up to three extracted topics.
func summarizeMessages(messages []HistoryMessage) string {
	var userMsgs, assistantMsgs []HistoryMessage
	for _, m := range messages {
		switch m.Role {
		case "user":
			userMsgs = append(userMsgs, m)
		case "assistant":
			assistantMsgs = append(assistantMsgs, m)
		}
	}

	var parts []string
	if len(userMsgs) > 0 {
		parts = append(parts, fmt.Sprintf("%d user messages", len(userMsgs)))
	}
	if len(assistantMsgs) > 0 {
		parts = append(parts, fmt.Sprintf("%d assistant responses", len(assistantMsgs)))
	}
	if len(userMsgs) > 0 {
		if preview := truncatedPreview(userMsgs[0].Content, 80); preview != "" {
			parts = append(parts, fmt.Sprintf("Started with: %s...", preview))
		}
	}
	if len(userMsgs) > 1 {
		if preview := truncatedPreview(userMsgs[len(userMsgs)-1].Content, 60); preview != "" {
			parts = append(parts, fmt.Sprintf("Last request: %s...", preview))
		}
	}
	if topics := extractTopics(assistantMsgs); len(topics) > 0 {
		parts = append(parts, fmt.Sprintf("Topics: %s", strings.Join(topics, ", ")))
	}
	return strings.Join(parts, " | ")
}

func truncatedPreview(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	return normalizeWhitespace(s)
}

// EstimateTokens approximates token count at chars/4 (§4.4.1).
func EstimateTokens(history []HistoryMessage) int {
	total := 0
	for _, m := range history {
		total += len(m.Content) + len(m.Role)
	}
	return total / 4
}

// NeedsCompression reports whether history exceeds maxTokens (§4.4.1).
func NeedsCompression(history []HistoryMessage, maxTokens int) bool {
	return EstimateTokens(history) > maxTokens
}

// CompressToTokenLimit iteratively shrinks keep_recent (floor 3, at most 10
// iterations) until the estimate fits within safetyMargin × maxTokens
// (§4.4.1). safetyMargin of 0 defaults to 0.8.
func CompressToTokenLimit(history []HistoryMessage, maxTokens int, safetyMargin float64) CompressionResult {
	if safetyMargin <= 0 {
		safetyMargin = 0.8
	}
	targetTokens := int(float64(maxTokens) * safetyMargin)
	current := history
	keepRecentStart := DefaultKeepRecent

	const maxIterations = 10
	for i := 0; i < maxIterations; i++ {
		if EstimateTokens(current) <= targetTokens {
			break
		}
		keepRecent := keepRecentStart - i*2
		if keepRecent < 3 {
			keepRecent = 3
		}
		result := NewCompressor(keepRecent).Compress(current, 0)
		current = result.Compressed
	}

	ratio := 1.0
	if len(current) > 0 {
		if origTokens := EstimateTokens(history); origTokens > 0 {
			ratio = float64(origTokens) / float64(EstimateTokens(current))
		}
	}

	return CompressionResult{
		Compressed:       current,
		RemovedCount:     len(history) - len(current),
		CompressionRatio: ratio,
	}
}
