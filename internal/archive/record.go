// Package archive keeps a SQLite history of finished conversations for
// "hark history". The model never sees it; every conversation starts
// fresh.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/hark/internal/agent"
	"github.com/nugget/hark/internal/mcp"
)

// Outcomes.
const (
	OutcomeAnswered  = "answered"
	OutcomeExceeded  = "exceeded"
	OutcomeViolation = "protocol_violation"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Record is one archived conversation.
type Record struct {
	ID        string        `json:"id"`
	Origin    string        `json:"origin"`
	Request   string        `json:"request"`
	Outcome   string        `json:"outcome"`
	Answer    string        `json:"answer,omitempty"`
	Error     string        `json:"error,omitempty"`
	ToolCalls int           `json:"tool_calls"`
	Started   time.Time     `json:"started"`
	Elapsed   time.Duration `json:"elapsed"`
	Turns     []Turn        `json:"turns,omitempty"`
}

// Turn is the stored form of an agent turn.
type Turn struct {
	Kind      string         `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Files     []string       `json:"files,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Millis    int64          `json:"ms,omitempty"`
}

// Outcome classifies how a conversation ended.
func Outcome(err error) string {
	var (
		exceeded  *agent.LoopExceeded
		violation *agent.ModelProtocolViolation
	)
	switch {
	case err == nil:
		return OutcomeAnswered
	case errors.As(err, &exceeded):
		return OutcomeExceeded
	case errors.As(err, &violation):
		return OutcomeViolation
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	}
	return OutcomeFailed
}

// FromConversation builds a Record from a finished run.
func FromConversation(conv *agent.Conversation, runErr error, elapsed time.Duration) Record {
	rec := Record{
		ID:      conv.ID.String(),
		Origin:  conv.Origin,
		Request: conv.Request,
		Outcome: Outcome(runErr),
		Started: conv.Started,
		Elapsed: elapsed,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if final, ok := conv.Final(); ok {
		rec.Answer = final.Text
	}

	for _, t := range conv.Turns() {
		switch t := t.(type) {
		case agent.UserText:
			tr := Turn{Kind: t.Kind(), Text: t.Text}
			for _, a := range t.Attachments {
				tr.Files = append(tr.Files, a.Name)
			}
			rec.Turns = append(rec.Turns, tr)
		case agent.ToolInvocationRequest:
			rec.ToolCalls++
			rec.Turns = append(rec.Turns, Turn{Kind: t.Kind(), RequestID: t.ID.String(), Tool: t.Tool, Arguments: t.Arguments})
		case agent.ToolInvocationResult:
			tr := Turn{Kind: t.Kind(), RequestID: t.RequestID.String(), Tool: t.Tool, Text: t.Payload, Millis: t.Duration.Milliseconds()}
			if t.Err != nil {
				tr.Error = t.Err.Error()
				if kind, ok := mcp.KindOf(t.Err); ok {
					tr.ErrorKind = string(kind)
				}
			} else if t.IsError {
				tr.Error = t.Payload
				tr.Text = ""
			}
			rec.Turns = append(rec.Turns, tr)
		case agent.FinalAnswer:
			rec.Turns = append(rec.Turns, Turn{Kind: t.Kind(), Text: t.Text})
		}
	}
	return rec
}
