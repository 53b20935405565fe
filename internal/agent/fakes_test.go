package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/hark/internal/mcp"
)

// scriptModel replays replies and records the history it was shown.
type scriptModel struct {
	mu      sync.Mutex
	replies []Reply
	err     error
	seen    [][]Turn
	// block, when set, makes Next wait for ctx.
	block bool
}

func (m *scriptModel) Next(ctx context.Context, conv *Conversation, _ *mcp.Catalog) (Reply, error) {
	m.mu.Lock()
	m.seen = append(m.seen, conv.Turns())
	if m.block {
		m.mu.Unlock()
		<-ctx.Done()
		return Reply{}, ctx.Err()
	}
	defer m.mu.Unlock()
	if m.err != nil {
		return Reply{}, m.err
	}
	if len(m.replies) == 0 {
		return Reply{}, errors.New("script exhausted")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func (m *scriptModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// loopingModel always asks for the same tool.
type loopingModel struct{ tool string }

func (m loopingModel) Next(context.Context, *Conversation, *mcp.Catalog) (Reply, error) {
	return Reply{Calls: []Call{{Tool: m.tool, Arguments: map[string]any{}}}}, nil
}

// fakeTools is an in-memory tool registry.
type fakeTools struct {
	catalog *mcp.Catalog
	fn      func(ctx context.Context, tool string, args map[string]any) (mcp.ToolResult, error)

	mu    sync.Mutex
	calls []string
}

func newFakeTools(fn func(ctx context.Context, tool string, args map[string]any) (mcp.ToolResult, error), descs ...mcp.ToolDescriptor) *fakeTools {
	return &fakeTools{catalog: mcp.NewCatalog(descs), fn: fn}
}

func (f *fakeTools) Catalog() *mcp.Catalog { return f.catalog }

func (f *fakeTools) Invoke(ctx context.Context, tool string, args map[string]any, _ time.Duration) (mcp.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	if f.fn == nil {
		return textResult("ok"), nil
	}
	return f.fn(ctx, tool, args)
}

func (f *fakeTools) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func textResult(s string) mcp.ToolResult {
	return mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

func tool(server, name string, schema map[string]any) mcp.ToolDescriptor {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return mcp.ToolDescriptor{Name: name, Server: server, Description: name, InputSchema: schema, Schema: mcp.CompileSchema(schema)}
}

// pipeServer is a minimal MCP server spoken over io.Pipe, used to run
// the loop against a real Registry.
type pipeServer struct {
	tools []map[string]any
	call  func(name string, args map[string]any) string
}

func (p *pipeServer) dial(context.Context, mcp.ServerConfig, *slog.Logger) (mcp.Transport, error) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	go p.serve(serverR, serverW)
	return mcp.NewStreamTransport(clientR, clientW, func() error {
		clientW.Close()
		clientR.Close()
		return nil
	}, slog.Default()), nil
}

func (p *pipeServer) serve(r *io.PipeReader, w *io.PipeWriter) {
	defer w.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if json.Unmarshal(scanner.Bytes(), &req) != nil || len(req.ID) == 0 {
			continue
		}
		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2024-11-05", "serverInfo": map[string]any{"name": "pipe"}, "capabilities": map[string]any{}}
		case "tools/list":
			result = map[string]any{"tools": p.tools}
		case "tools/call":
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": p.call(req.Params.Name, req.Params.Arguments)}}}
		default:
			result = map[string]any{}
		}
		data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		if _, err := w.Write(append(data, '\n')); err != nil {
			return
		}
	}
}
