package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/hark/internal/connwatch"
	"github.com/nugget/hark/internal/mcp"
)

func turnKinds(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Kind()
	}
	return out
}

// startRegistry connects a terminal server and, unless docsDown, a docs
// server, in that registration order.
func startRegistry(t *testing.T, docsDown bool) *mcp.Registry {
	t.Helper()
	terminal := &pipeServer{
		tools: []map[string]any{{
			"name":        "run_command",
			"description": "Run a shell command",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"cmd": map[string]any{"type": "string"}},
				"required":   []any{"cmd"},
			},
		}},
		call: func(_ string, args map[string]any) string {
			if args["cmd"] == "ls" {
				return "notes.txt\nreport.pdf"
			}
			return ""
		},
	}
	docs := &pipeServer{
		tools: []map[string]any{{"name": "search_docs", "inputSchema": map[string]any{"type": "object"}}},
		call:  func(string, map[string]any) string { return "docs hit" },
	}

	dial := func(ctx context.Context, cfg mcp.ServerConfig, logger *slog.Logger) (mcp.Transport, error) {
		if cfg.Name == "docs" {
			if docsDown {
				return nil, errors.New("connection refused")
			}
			return docs.dial(ctx, cfg, logger)
		}
		return terminal.dial(ctx, cfg, logger)
	}
	reg := mcp.NewRegistry(mcp.RegistryConfig{
		Dialer:  dial,
		Backoff: connwatch.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2, MaxRetries: 1},
	})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	reg.Start(context.Background(), []mcp.ServerConfig{{Name: "terminal"}, {Name: "docs"}})
	return reg
}

func TestLoop_EndToEndScenario(t *testing.T) {
	reg := startRegistry(t, false)
	if got := reg.Catalog().Names(); !cmp.Equal(got, []string{"run_command", "search_docs"}) {
		t.Fatalf("catalog = %v", got)
	}

	model := &scriptModel{replies: []Reply{
		{Calls: []Call{{CallID: "c1", Tool: "run_command", Arguments: map[string]any{"cmd": "ls"}}}},
		{Text: "Done"},
	}}
	loop := NewLoop(Config{Model: model, Tools: reg})
	conv := NewConversation("list my files", "list my files", "", "ask")

	final, err := loop.Run(context.Background(), conv, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Text != "Done" {
		t.Errorf("final = %q", final.Text)
	}

	turns := conv.Turns()
	if diff := cmp.Diff([]string{"user", "tool_request", "tool_result", "final"}, turnKinds(turns)); diff != "" {
		t.Fatalf("turns (-want +got):\n%s", diff)
	}
	req := turns[1].(ToolInvocationRequest)
	res := turns[2].(ToolInvocationResult)
	if res.RequestID != req.ID {
		t.Errorf("result request id %s does not match request %s", res.RequestID, req.ID)
	}
	if res.Err != nil || res.Payload != "notes.txt\nreport.pdf" {
		t.Errorf("result = %+v", res)
	}
	if len(loop.Pending()) != 0 {
		t.Error("pending invocations left behind")
	}
	// The second model call saw the result.
	if n := len(model.seen[1]); n != 3 {
		t.Errorf("second call saw %d turns, want 3", n)
	}
}

func TestLoop_FailedServerToolIsUnknown(t *testing.T) {
	reg := startRegistry(t, true)
	if got := reg.Catalog().Names(); !cmp.Equal(got, []string{"run_command"}) {
		t.Fatalf("catalog = %v", got)
	}

	model := &scriptModel{replies: []Reply{
		{Calls: []Call{{Tool: "search_docs", Arguments: map[string]any{"q": "x"}}}},
		{Text: "I could not search the docs."},
	}}
	conv := NewConversation("search", "search", "", "ask")
	if _, err := NewLoop(Config{Model: model, Tools: reg}).Run(context.Background(), conv, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := conv.Turns()[2].(ToolInvocationResult)
	if !mcp.IsKind(res.Err, mcp.UnknownTool) {
		t.Errorf("result err = %v, want UnknownTool", res.Err)
	}
	if conv.Len() != 4 {
		t.Errorf("turns = %v", turnKinds(conv.Turns()))
	}
}

func TestLoop_IterationBound(t *testing.T) {
	tools := newFakeTools(nil, tool("s", "poll", nil))
	loop := NewLoop(Config{Model: loopingModel{tool: "poll"}, Tools: tools, MaxIterations: 3})
	conv := NewConversation("q", "q", "", "ask")

	_, err := loop.Run(context.Background(), conv, nil)
	var ex *LoopExceeded
	if !errors.As(err, &ex) || ex.Limit != LimitIterations || ex.Iterations != 3 {
		t.Fatalf("Run = %v, want iteration LoopExceeded", err)
	}
	if n := len(tools.invoked()); n != 3 {
		t.Errorf("invocations = %d, want 3", n)
	}
	if _, ok := conv.Final(); ok {
		t.Error("conversation should have no final answer")
	}
}

func TestLoop_DurationBound(t *testing.T) {
	tools := newFakeTools(func(ctx context.Context, _ string, _ map[string]any) (mcp.ToolResult, error) {
		<-ctx.Done()
		return mcp.ToolResult{}, ctx.Err()
	}, tool("s", "slow", nil))
	loop := NewLoop(Config{Model: loopingModel{tool: "slow"}, Tools: tools, MaxDuration: 30 * time.Millisecond})

	start := time.Now()
	_, err := loop.Run(context.Background(), NewConversation("q", "q", "", "ask"), nil)
	var ex *LoopExceeded
	if !errors.As(err, &ex) || ex.Limit != LimitDuration {
		t.Fatalf("Run = %v, want duration LoopExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("loop overran its duration bound")
	}
}

func TestLoop_DurationBoundDuringModelCall(t *testing.T) {
	loop := NewLoop(Config{Model: &scriptModel{block: true}, Tools: newFakeTools(nil), MaxDuration: 20 * time.Millisecond})
	_, err := loop.Run(context.Background(), NewConversation("q", "q", "", "ask"), nil)
	var ex *LoopExceeded
	if !errors.As(err, &ex) || ex.Limit != LimitDuration {
		t.Fatalf("Run = %v, want duration LoopExceeded", err)
	}
}

func TestLoop_InvocationErrorsBecomeTurns(t *testing.T) {
	lost := &mcp.InvocationError{Kind: mcp.ConnectionLost, Server: "s", Tool: "flaky", Err: mcp.ErrTransportClosed}
	tools := newFakeTools(func(_ context.Context, name string, _ map[string]any) (mcp.ToolResult, error) {
		switch name {
		case "flaky":
			return mcp.ToolResult{}, lost
		case "grumpy":
			r := textResult("permission denied")
			r.IsError = true
			return r, nil
		}
		return textResult("fine"), nil
	}, tool("s", "flaky", nil), tool("s", "grumpy", nil), tool("s", "fine", nil))

	model := &scriptModel{replies: []Reply{
		{Calls: []Call{{Tool: "flaky"}, {Tool: "grumpy"}, {Tool: "fine"}}},
		{Text: "partial results"},
	}}
	conv := NewConversation("q", "q", "", "ask")
	if _, err := NewLoop(Config{Model: model, Tools: tools}).Run(context.Background(), conv, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	turns := conv.Turns()
	if diff := cmp.Diff([]string{"user", "tool_request", "tool_request", "tool_request", "tool_result", "tool_result", "tool_result", "final"}, turnKinds(turns)); diff != "" {
		t.Fatalf("turns (-want +got):\n%s", diff)
	}
	if r := turns[4].(ToolInvocationResult); !mcp.IsKind(r.Err, mcp.ConnectionLost) {
		t.Errorf("flaky result = %+v", r)
	}
	if r := turns[5].(ToolInvocationResult); r.Err != nil || !r.IsError || r.Payload != "permission denied" {
		t.Errorf("grumpy result = %+v", r)
	}
	if r := turns[6].(ToolInvocationResult); r.Failed() {
		t.Errorf("fine result = %+v", r)
	}
}

func TestLoop_LocalChecksSkipRegistry(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"cmd": map[string]any{"type": "string"}},
		"required":   []any{"cmd"},
	}
	tools := newFakeTools(nil, tool("s", "run_command", schema))
	model := &scriptModel{replies: []Reply{
		{Calls: []Call{
			{Tool: "run_command", Arguments: map[string]any{"cmd": 3.0}},
			{Tool: "", Arguments: nil},
			{Tool: "nonexistent"},
			{Tool: "run_command", Arguments: map[string]any{"cmd": "ls"}},
		}},
		{Text: "ok"},
	}}
	conv := NewConversation("q", "q", "", "ask")
	if _, err := NewLoop(Config{Model: model, Tools: tools}).Run(context.Background(), conv, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tools.invoked(); !cmp.Equal(got, []string{"run_command"}) {
		t.Errorf("registry saw %v, want only the valid call", got)
	}
	turns := conv.Turns()
	wantKinds := []mcp.ErrorKind{mcp.InvalidRequest, mcp.InvalidRequest, mcp.UnknownTool}
	for i, want := range wantKinds {
		r := turns[5+i].(ToolInvocationResult)
		if !mcp.IsKind(r.Err, want) {
			t.Errorf("result %d err = %v, want %s", i, r.Err, want)
		}
	}
	if r := turns[8].(ToolInvocationResult); r.Err != nil {
		t.Errorf("valid call failed: %v", r.Err)
	}
	if r := turns[5].(ToolInvocationResult); !strings.Contains(r.Err.Error(), "cmd: expected string") {
		t.Errorf("schema error = %v", r.Err)
	}
}

func TestLoop_ConcurrentDispatchKeepsRequestOrder(t *testing.T) {
	const n = 3
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	var started atomic.Int32

	tools := newFakeTools(func(ctx context.Context, name string, _ map[string]any) (mcp.ToolResult, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		if started.Add(1) == n {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return textResult("from " + name), nil
	}, tool("s", "a", nil), tool("s", "b", nil), tool("s", "c", nil))

	model := &scriptModel{replies: []Reply{
		{Calls: []Call{{Tool: "c"}, {Tool: "a"}, {Tool: "b"}}},
		{Text: "done"},
	}}
	conv := NewConversation("q", "q", "", "ask")
	if _, err := NewLoop(Config{Model: model, Tools: tools}).Run(context.Background(), conv, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() != n {
		t.Errorf("peak concurrency = %d, want %d", peak.Load(), n)
	}

	turns := conv.Turns()
	var got []string
	for i := 0; i < n; i++ {
		req := turns[1+i].(ToolInvocationRequest)
		res := turns[1+n+i].(ToolInvocationResult)
		if res.RequestID != req.ID {
			t.Errorf("result %d answers %s, want %s", i, res.RequestID, req.ID)
		}
		got = append(got, res.Payload)
	}
	if diff := cmp.Diff([]string{"from c", "from a", "from b"}, got); diff != "" {
		t.Errorf("payloads (-want +got):\n%s", diff)
	}
}

func TestLoop_ProtocolViolation(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
	}{
		{"both", Reply{Text: "hi", Calls: []Call{{Tool: "x"}}}},
		{"neither", Reply{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := newFakeTools(nil, tool("s", "x", nil))
			model := &scriptModel{replies: []Reply{tt.reply}}
			_, err := NewLoop(Config{Model: model, Tools: tools}).Run(context.Background(), NewConversation("q", "q", "", "ask"), nil)
			var v *ModelProtocolViolation
			if !errors.As(err, &v) {
				t.Fatalf("Run = %v, want ModelProtocolViolation", err)
			}
			if len(tools.invoked()) != 0 {
				t.Error("no tool should run after a violation")
			}
		})
	}
}

func TestLoop_CancellationReachesInvocations(t *testing.T) {
	entered := make(chan struct{})
	tools := newFakeTools(func(ctx context.Context, _ string, _ map[string]any) (mcp.ToolResult, error) {
		close(entered)
		<-ctx.Done()
		return mcp.ToolResult{}, ctx.Err()
	}, tool("s", "wait", nil))
	loop := NewLoop(Config{Model: loopingModel{tool: "wait"}, Tools: tools})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx, NewConversation("q", "q", "", "ask"), nil)
		done <- err
	}()

	<-entered
	if p := loop.Pending(); len(p) != 1 || p[0].Tool != "wait" {
		t.Errorf("pending = %+v", p)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(loop.Pending()) != 0 {
		t.Error("pending invocation not removed")
	}
}

func TestLoop_ModelErrorEndsConversation(t *testing.T) {
	boom := errors.New("backend unavailable")
	_, err := NewLoop(Config{Model: &scriptModel{err: boom}, Tools: newFakeTools(nil)}).
		Run(context.Background(), NewConversation("q", "q", "", "ask"), nil)
	if !errors.Is(err, boom) {
		t.Errorf("Run = %v, want wrapped backend error", err)
	}
}

func TestLoop_StatusUpdates(t *testing.T) {
	tools := newFakeTools(nil, tool("s", "lookup", nil))
	model := &scriptModel{replies: []Reply{{Calls: []Call{{Tool: "lookup"}}}, {Text: "ok"}}}

	var statuses []string
	status := func(s string) { statuses = append(statuses, s) }
	if _, err := NewLoop(Config{Model: model, Tools: tools}).Run(context.Background(), NewConversation("q", "q", "", "ask"), status); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"thinking", "invoking tool lookup", "thinking"}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}
