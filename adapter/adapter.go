// Package adapter defines the minimal front-end boundary agentcore expects
// from a chat platform (spec §6.1): an inbound Event shape and a Reply
// callback. Concrete platform adapters (Telegram, Discord, WhatsApp, ...)
// are explicitly out of scope (SPEC_FULL.md §11's Declined list) — this
// package exists so the core never depends on any specific one.
package adapter

import "context"

// Event is what a front-end hands the core for one inbound message.
type Event struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
	Provider string // e.g. "telegram", "cli"; opaque to the core
}

// ReplyFunc sends text back to a chat on behalf of whichever adapter
// produced the originating Event.
type ReplyFunc func(ctx context.Context, chatID int64, text string)

// Adapter is the capability a front-end integration implements to plug
// into the runtime's Dispatcher.
type Adapter interface {
	// Listen starts delivering inbound events to handle until ctx is
	// canceled. Implementations run their own I/O loop (polling, webhook
	// server, stdin reader, ...) and call handle for each Event.
	Listen(ctx context.Context, handle func(Event)) error

	// Reply sends text back to chatID via this adapter's transport.
	Reply(ctx context.Context, chatID int64, text string)
}

// CLIAdapter is a trivial in-process Adapter useful for local testing and
// for exercising the Dispatcher/Runtime without any real chat platform —
// it is not a platform integration, just a stdin/stdout loop.
type CLIAdapter struct {
	ChatID int64
	Input  <-chan string
	Output func(text string)
}

// Listen feeds lines from Input as Events until Input closes or ctx ends.
func (c *CLIAdapter) Listen(ctx context.Context, handle func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-c.Input:
			if !ok {
				return nil
			}
			handle(Event{ChatID: c.ChatID, Text: line, Provider: "cli"})
		}
	}
}

// Reply writes text via the configured Output func.
func (c *CLIAdapter) Reply(ctx context.Context, chatID int64, text string) {
	if c.Output != nil {
		c.Output(text)
	}
}
