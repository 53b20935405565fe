// Package present delivers status, answers, and errors to whatever the
// user is looking at: a terminal, an MQTT broker, or both.
package present

import (
	"context"
	"time"
)

// Status values shown while a request moves through the system. Tool
// invocations report "invoking tool <name>".
const (
	StatusIdle         = "idle"
	StatusListening    = "listening"
	StatusTranscribing = "transcribing"
	StatusThinking     = "thinking"
)

// Answer is a finished conversation's reply.
type Answer struct {
	ConversationID string
	Request        string
	Text           string
	Elapsed        time.Duration
}

// Sink is an output-only presentation collaborator. Implementations must
// not block the caller for long and must be safe for concurrent use.
type Sink interface {
	Status(ctx context.Context, status string)
	Answer(ctx context.Context, a Answer)
	Error(ctx context.Context, summary string)
	ToggleWindow(ctx context.Context)
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) Status(ctx context.Context, status string) {
	for _, s := range m {
		s.Status(ctx, status)
	}
}

func (m Multi) Answer(ctx context.Context, a Answer) {
	for _, s := range m {
		s.Answer(ctx, a)
	}
}

func (m Multi) Error(ctx context.Context, summary string) {
	for _, s := range m {
		s.Error(ctx, summary)
	}
}

func (m Multi) ToggleWindow(ctx context.Context) {
	for _, s := range m {
		s.ToggleWindow(ctx)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Status(context.Context, string) {}
func (Discard) Answer(context.Context, Answer) {}
func (Discard) Error(context.Context, string) {}
func (Discard) ToggleWindow(context.Context) {}
