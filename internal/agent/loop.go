// Package agent implements the reasoning loop that alternates between
// the model and tool invocations until the model answers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/mcp"
)

// Model produces the next step of a conversation from its full history
// and the current tool catalog.
type Model interface {
	Next(ctx context.Context, conv *Conversation, catalog *mcp.Catalog) (Reply, error)
}

// Reply is a model's answer. A well-formed reply carries exactly one of
// Text or Calls.
type Reply struct {
	Text  string
	Calls []Call
}

// Call is one tool request as the model expressed it.
type Call struct {
	CallID    string
	Tool      string
	Arguments map[string]any
}

// Tools is the part of the server registry the loop depends on.
type Tools interface {
	Catalog() *mcp.Catalog
	Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (mcp.ToolResult, error)
}

// StatusFunc receives short progress notes ("thinking", "invoking tool
// x"). It is called from the loop goroutine and from tool goroutines.
type StatusFunc func(status string)

// Config configures a Loop. Zero bounds take defaults.
type Config struct {
	Model  Model
	Tools  Tools
	Logger *slog.Logger
	Events *events.Bus

	MaxIterations int
	MaxDuration   time.Duration
	ToolTimeout   time.Duration

	// MaxParallelTools bounds concurrent invocations within one
	// iteration. Zero means no bound.
	MaxParallelTools int
}

// Loop runs conversations. A Loop may run several conversations
// concurrently, though the controller only ever runs one.
type Loop struct {
	model         Model
	tools         Tools
	logger        *slog.Logger
	bus           *events.Bus
	maxIterations int
	maxDuration   time.Duration
	toolTimeout   time.Duration
	maxParallel   int

	mu      sync.Mutex
	pending map[uuid.UUID]PendingInvocation
}

var errDurationExceeded = errors.New("max duration exceeded")

// NewLoop creates a loop.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 2 * time.Minute
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return &Loop{
		model:         cfg.Model,
		tools:         cfg.Tools,
		logger:        logger,
		bus:           cfg.Events,
		maxIterations: cfg.MaxIterations,
		maxDuration:   cfg.MaxDuration,
		toolTimeout:   cfg.ToolTimeout,
		maxParallel:   cfg.MaxParallelTools,
		pending:       make(map[uuid.UUID]PendingInvocation),
	}
}

// Run drives conv until the model produces a final answer, a bound is
// hit, the model misbehaves, or ctx ends. Tool failures never end the
// run; they become error results the model can read. On success the
// FinalAnswer is also the conversation's last turn.
func (l *Loop) Run(ctx context.Context, conv *Conversation, status StatusFunc) (FinalAnswer, error) {
	if status == nil {
		status = func(string) {}
	}
	logger := l.logger.With("conversation", conv.ID.String())
	started := time.Now()

	ctx, cancel := context.WithTimeoutCause(ctx, l.maxDuration, errDurationExceeded)
	defer cancel()

	exceeded := func(iter int) error {
		if errors.Is(context.Cause(ctx), errDurationExceeded) {
			return &LoopExceeded{Limit: LimitDuration, Iterations: iter, Elapsed: time.Since(started)}
		}
		return nil
	}

	for iter := 0; ; iter++ {
		if iter >= l.maxIterations {
			logger.Warn("iteration limit reached", "iterations", iter)
			return FinalAnswer{}, &LoopExceeded{Limit: LimitIterations, Iterations: iter, Elapsed: time.Since(started)}
		}
		if err := exceeded(iter); err != nil {
			return FinalAnswer{}, err
		}
		if err := ctx.Err(); err != nil {
			return FinalAnswer{}, err
		}

		catalog := l.tools.Catalog()
		status("thinking")
		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{"conversation_id": conv.ID.String(), "iter": iter})
		logger.Debug("calling model", "iter", iter, "turns", conv.Len(), "tools", catalog.Len())

		reply, err := l.model.Next(ctx, conv, catalog)
		if err != nil {
			if ex := exceeded(iter + 1); ex != nil {
				return FinalAnswer{}, ex
			}
			if ctx.Err() != nil {
				return FinalAnswer{}, ctx.Err()
			}
			return FinalAnswer{}, fmt.Errorf("model call: %w", err)
		}
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"conversation_id": conv.ID.String(), "iter": iter, "tool_calls": len(reply.Calls),
		})

		switch {
		case reply.Text != "" && len(reply.Calls) > 0:
			return FinalAnswer{}, &ModelProtocolViolation{Reason: "reply has both text and tool calls"}
		case reply.Text == "" && len(reply.Calls) == 0:
			return FinalAnswer{}, &ModelProtocolViolation{Reason: "reply has neither text nor tool calls"}
		case reply.Text != "":
			final := FinalAnswer{Text: reply.Text}
			conv.Append(final)
			logger.Info("conversation answered", "iterations", iter+1, "elapsed", time.Since(started).Round(time.Millisecond))
			return final, nil
		}

		requests := make([]ToolInvocationRequest, len(reply.Calls))
		for i, c := range reply.Calls {
			req := ToolInvocationRequest{ID: uuid.New(), CallID: c.CallID, Tool: c.Tool, Arguments: c.Arguments}
			if req.CallID == "" {
				req.CallID = newCallID()
			}
			requests[i] = req
			conv.Append(req)
		}

		results := l.dispatch(ctx, logger, conv, catalog, requests, status)
		for _, r := range results {
			conv.Append(r)
		}

		if err := exceeded(iter + 1); err != nil {
			return FinalAnswer{}, err
		}
		if err := ctx.Err(); err != nil {
			return FinalAnswer{}, err
		}
	}
}

// dispatch runs every request of one iteration concurrently and returns
// results in request order. Requests that fail local checks are answered
// without contacting any server.
func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, conv *Conversation, catalog *mcp.Catalog, requests []ToolInvocationRequest, status StatusFunc) []ToolInvocationResult {
	results := make([]ToolInvocationResult, len(requests))

	var g errgroup.Group
	if l.maxParallel > 0 {
		g.SetLimit(l.maxParallel)
	}
	for i, req := range requests {
		if err := checkRequest(catalog, req); err != nil {
			logger.Debug("tool request rejected", "tool", req.Tool, "error", err)
			results[i] = ToolInvocationResult{RequestID: req.ID, Tool: req.Tool, Err: err}
			continue
		}

		l.track(PendingInvocation{ID: req.ID, Tool: req.Tool, Arguments: req.Arguments, Issued: time.Now()})
		g.Go(func() error {
			defer l.untrack(req.ID)
			results[i] = l.invoke(ctx, logger, conv, req, status)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *Loop) invoke(ctx context.Context, logger *slog.Logger, conv *Conversation, req ToolInvocationRequest, status StatusFunc) ToolInvocationResult {
	status("invoking tool " + req.Tool)
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"conversation_id": conv.ID.String(), "request_id": req.ID.String(), "tool": req.Tool,
	})

	start := time.Now()
	res, err := l.tools.Invoke(ctx, req.Tool, req.Arguments, l.toolTimeout)
	out := ToolInvocationResult{RequestID: req.ID, Tool: req.Tool, Duration: time.Since(start), Err: err}
	if err == nil {
		out.Payload = res.Text()
		out.IsError = res.IsError
	}

	logger.Debug("tool finished", "tool", req.Tool, "request_id", req.ID, "duration", out.Duration.Round(time.Millisecond), "error", err)
	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"conversation_id": conv.ID.String(), "request_id": req.ID.String(), "tool": req.Tool,
		"ok": !out.Failed(), "duration_ms": out.Duration.Milliseconds(),
	})
	return out
}

// checkRequest rejects requests that cannot be routed or whose
// arguments do not fit the tool's schema.
func checkRequest(catalog *mcp.Catalog, req ToolInvocationRequest) error {
	if req.Tool == "" {
		return &mcp.InvocationError{Kind: mcp.InvalidRequest, Err: errors.New("empty tool name")}
	}
	desc, ok := catalog.Lookup(req.Tool)
	if !ok {
		return &mcp.InvocationError{Kind: mcp.UnknownTool, Tool: req.Tool, Err: errors.New("not in the tool catalog")}
	}
	if desc.Schema != nil {
		if err := desc.Schema.Validate(req.Arguments).Err(); err != nil {
			return &mcp.InvocationError{Kind: mcp.InvalidRequest, Server: desc.Server, Tool: req.Tool, Err: err}
		}
	}
	return nil
}

func (l *Loop) track(p PendingInvocation) {
	l.mu.Lock()
	l.pending[p.ID] = p
	l.mu.Unlock()
}

func (l *Loop) untrack(id uuid.UUID) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// Pending returns the invocations currently awaiting a result, oldest
// first.
func (l *Loop) Pending() []PendingInvocation {
	l.mu.Lock()
	out := make([]PendingInvocation, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b PendingInvocation) int { return a.Issued.Compare(b.Issued) })
	return out
}
