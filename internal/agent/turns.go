package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hark/internal/llm"
)

// Turn is one entry in a Conversation. The set of turn types is closed.
type Turn interface {
	turn()
	// Kind names the turn type for logs and the archive.
	Kind() string
}

// UserText is the request that opened the conversation.
type UserText struct {
	Text        string
	Attachments []llm.Image
}

// ToolInvocationRequest is one tool call the model asked for. ID is
// assigned by the loop; CallID is the model's own identifier, echoed
// back to it with the result.
type ToolInvocationRequest struct {
	ID        uuid.UUID
	CallID    string
	Tool      string
	Arguments map[string]any
}

// ToolInvocationResult answers exactly one ToolInvocationRequest. Err is
// set when the call could not be completed; IsError is set when the
// tool ran and reported failure in Payload.
type ToolInvocationResult struct {
	RequestID uuid.UUID
	Tool      string
	Payload   string
	IsError   bool
	Err       error
	Duration  time.Duration
}

// FinalAnswer is the model's closing text. It is always the last turn.
type FinalAnswer struct {
	Text string
}

func (UserText) turn()              {}
func (ToolInvocationRequest) turn() {}
func (ToolInvocationResult) turn()  {}
func (FinalAnswer) turn()           {}

func (UserText) Kind() string              { return "user" }
func (ToolInvocationRequest) Kind() string { return "tool_request" }
func (ToolInvocationResult) Kind() string  { return "tool_result" }
func (FinalAnswer) Kind() string           { return "final" }

// Failed reports whether the result carries any kind of failure.
func (r ToolInvocationResult) Failed() bool {
	return r.Err != nil || r.IsError
}

// Conversation is the ordered, append-only turn history of one user
// request. It is owned by a single loop run and is not safe for
// concurrent use.
type Conversation struct {
	ID      uuid.UUID
	Request string
	System  string // system instruction, may be empty
	Origin  string // "capture", "ask", "trigger"
	Started time.Time

	turns []Turn
}

// NewConversation starts a conversation with its UserText turn. text is
// what the model sees, along with any attached images; request is kept
// for display and archiving.
func NewConversation(request, text, system, origin string, attachments ...llm.Image) *Conversation {
	c := &Conversation{
		ID:      uuid.New(),
		Request: request,
		System:  system,
		Origin:  origin,
		Started: time.Now(),
	}
	c.Append(UserText{Text: text, Attachments: attachments})
	return c
}

// Append adds a turn. Turns are never edited or removed.
func (c *Conversation) Append(t Turn) {
	c.turns = append(c.turns, t)
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len is the number of turns.
func (c *Conversation) Len() int { return len(c.turns) }

// Final returns the closing answer, if the conversation has one.
func (c *Conversation) Final() (FinalAnswer, bool) {
	if n := len(c.turns); n > 0 {
		if f, ok := c.turns[n-1].(FinalAnswer); ok {
			return f, true
		}
	}
	return FinalAnswer{}, false
}

// request finds the ToolInvocationRequest with the given id.
func (c *Conversation) request(id uuid.UUID) (ToolInvocationRequest, bool) {
	for _, t := range c.turns {
		if r, ok := t.(ToolInvocationRequest); ok && r.ID == id {
			return r, true
		}
	}
	return ToolInvocationRequest{}, false
}

// PendingInvocation is a tool call issued but not yet answered.
type PendingInvocation struct {
	ID        uuid.UUID
	Tool      string
	Arguments map[string]any
	Issued    time.Time
}
