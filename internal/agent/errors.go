package agent

import (
	"fmt"
	"time"
)

// ModelProtocolViolation reports a model reply that was neither a final
// text nor a set of tool requests. It ends the conversation.
type ModelProtocolViolation struct {
	Reason string
}

func (e *ModelProtocolViolation) Error() string {
	return "model protocol violation: " + e.Reason
}

// Limits named by LoopExceeded.
const (
	LimitIterations = "iterations"
	LimitDuration   = "duration"
)

// LoopExceeded reports a conversation stopped by an iteration or
// wall-clock bound before the model produced a final answer.
type LoopExceeded struct {
	Limit      string
	Iterations int
	Elapsed    time.Duration
}

func (e *LoopExceeded) Error() string {
	if e.Limit == LimitDuration {
		return fmt.Sprintf("conversation exceeded max duration after %s (%d iterations)", e.Elapsed.Round(time.Millisecond), e.Iterations)
	}
	return fmt.Sprintf("conversation exceeded max iterations (%d)", e.Iterations)
}
