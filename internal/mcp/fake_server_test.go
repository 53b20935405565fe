package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeServer is an in-process MCP server reached over io.Pipe. Each
// tools/call runs on its own goroutine so responses can come back out
// of order.
type fakeServer struct {
	name  string
	tools []toolDefinition

	// call handles tools/call. A nil call echoes the arguments.
	call func(ctx context.Context, name string, args map[string]any) (callToolResult, *RPCError)

	initErr *RPCError

	dials  atomic.Int32
	inits  atomic.Int32
	mu     sync.Mutex
	notifs []string
	kills  []func()
}

func newFakeServer(name string, tools ...string) *fakeServer {
	s := &fakeServer{name: name}
	for _, t := range tools {
		s.tools = append(s.tools, toolDefinition{
			Name:        t,
			Description: t + " from " + name,
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"value": map[string]any{"type": "string"}}},
		})
	}
	return s
}

func (s *fakeServer) notifications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notifs...)
}

// dial connects a new client transport to a fresh server session.
func (s *fakeServer) dial(context.Context, ServerConfig, *slog.Logger) (Transport, error) {
	s.dials.Add(1)
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	go s.serve(ctx, serverR, serverW)

	s.mu.Lock()
	s.kills = append(s.kills, func() {
		cancel()
		serverW.CloseWithError(errors.New("server crashed"))
		serverR.Close()
	})
	s.mu.Unlock()

	return NewStreamTransport(clientR, clientW, func() error {
		cancel()
		clientW.Close()
		clientR.Close()
		return nil
	}, slog.Default()), nil
}

// kill drops every session as if the process died.
func (s *fakeServer) kill() {
	s.mu.Lock()
	kills := s.kills
	s.kills = nil
	s.mu.Unlock()
	for _, k := range kills {
		k()
	}
}

func (s *fakeServer) serve(ctx context.Context, r *io.PipeReader, w *io.PipeWriter) {
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	write := func(v any) {
		data, _ := json.Marshal(v)
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = w.Write(append(data, '\n'))
	}
	defer func() {
		wg.Wait()
		w.Close()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var m message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		if !m.hasID() {
			s.mu.Lock()
			s.notifs = append(s.notifs, m.Method)
			s.mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			result, rpcErr := s.handle(ctx, &m)
			write(reply{JSONRPC: jsonrpcVersion, ID: m.ID, Result: result, Error: rpcErr})
		}()
	}
}

func (s *fakeServer) handle(ctx context.Context, m *message) (any, *RPCError) {
	switch m.Method {
	case "initialize":
		s.inits.Add(1)
		if s.initErr != nil {
			return nil, s.initErr
		}
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": s.name, "version": "test"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil
	case "tools/list":
		return toolsListResult{Tools: s.tools}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(m.Params, &p)
		if s.call != nil {
			res, rpcErr := s.call(ctx, p.Name, p.Arguments)
			if rpcErr != nil {
				return nil, rpcErr
			}
			return res, nil
		}
		data, _ := json.Marshal(p.Arguments)
		return callToolResult{Content: []ContentBlock{{Type: "text", Text: string(data)}}}, nil
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: m.Method}
}

func textResult(s string) callToolResult {
	return callToolResult{Content: []ContentBlock{{Type: "text", Text: s}}}
}

func connectFake(t *testing.T, s *fakeServer, cfg ServerConfig) *Conn {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = s.name
	}
	c := NewConn(cfg, s.dial, slog.Default())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}
