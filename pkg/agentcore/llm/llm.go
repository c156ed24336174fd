// Package llm defines the opaque LLM transport capability the core
// consumes (spec §6.2) and provides one concrete HTTP implementation
// against an OpenAI-compatible chat-completions endpoint, grounded in
// pkg/goclaw/copilot/llm.go. The core only depends on the Transport
// interface; which provider (vllm, openrouter, or any equivalent) answers
// it is opaque, per §6.2.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Result is what a run produces on success (§6.2).
type Result struct {
	Output      string
	NewMessages []byte // opaque JSON array of the full updated history; the Runner stores it in place of the previous blob, it is not appended (spec §9)
}

// Transport is the abstract capability the Self-Healing Loop drives. A
// failed run returns an error whose message the Error Classifier (§4.3)
// can inspect; the transport itself never classifies.
type Transport interface {
	Run(ctx context.Context, goal string, history []byte) (Result, error)
}

// Client is an OpenAI-compatible chat-completions Transport.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a Client against an OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Run sends goal (plus any prior history, decoded as a flat message list)
// to the chat-completions endpoint and returns the assistant's reply. The
// returned NewMessages blob is the updated message list, JSON-encoded,
// ready to be stored verbatim via store.SetModelMessageHistory (§9: trim
// only by element count, never byte surgery).
func (c *Client) Run(ctx context.Context, goal string, history []byte) (Result, error) {
	var messages []chatMessage
	if len(history) > 0 {
		if err := json.Unmarshal(history, &messages); err != nil {
			return Result{}, fmt.Errorf("decoding message history: %w", err)
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: goal})

	reqBody, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return Result{}, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("calling llm transport: %w", err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decoding llm response: %w", err)
	}

	c.logger.Debug("llm call completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"status", resp.StatusCode,
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
	)

	if resp.StatusCode >= 400 || parsed.Error != nil {
		msg := fmt.Sprintf("llm transport error (status %d)", resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Result{}, fmt.Errorf("%s", msg)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("llm transport returned no choices")
	}

	reply := parsed.Choices[0].Message
	messages = append(messages, reply)
	newHistory, err := json.Marshal(messages)
	if err != nil {
		return Result{}, fmt.Errorf("encoding updated history: %w", err)
	}

	return Result{Output: reply.Content, NewMessages: newHistory}, nil
}
