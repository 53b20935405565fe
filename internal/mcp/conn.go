package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hark/internal/buildinfo"
)

// protocolVersion is the MCP revision advertised in initialize.
const protocolVersion = "2024-11-05"

// ServerConfig describes how to reach one extension server.
type ServerConfig struct {
	Name      string
	Transport string // stdio, http, sse, websocket

	Command string
	Args    []string
	Env     []string

	URL     string
	Headers map[string]string

	// Timeout bounds launch, handshake and discovery, and each tool
	// call routed through the registry. Zero uses the registry and
	// caller defaults.
	Timeout time.Duration

	IncludeTools []string
	ExcludeTools []string
}

// Dialer opens a transport for a server. The default, DialTransport,
// picks the implementation from cfg.Transport.
type Dialer func(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Transport, error)

// DialTransport opens the transport named by cfg.Transport.
func DialTransport(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", "stdio":
		return StartStdio(StdioConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, Logger: logger})
	case "http", "sse":
		return NewHTTPTransport(HTTPConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger}), nil
	case "websocket":
		return DialWebSocket(ctx, WebSocketConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// ToolDescriptor is one tool offered by one server. Descriptors are
// immutable; a reconnect produces new ones.
type ToolDescriptor struct {
	Name        string
	Description string
	Server      string
	InputSchema map[string]any
	Schema      *Schema
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is a completed tools/call. IsError means the tool ran and
// reported failure; the call itself succeeded.
type ToolResult struct {
	Content    []ContentBlock
	Structured json.RawMessage
	IsError    bool
}

// Text joins text blocks and marks non-text blocks inline.
func (r ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, "["+b.Type+"]")
		}
	}
	if len(parts) == 0 && len(r.Structured) > 0 {
		return string(r.Structured)
	}
	return strings.Join(parts, "\n")
}

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools      []toolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type callToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities struct {
		Tools *struct{} `json:"tools,omitempty"`
	} `json:"capabilities"`
}

type connState int

const (
	stateNew connState = iota
	stateLive
	stateFailed
	stateClosed
)

// Conn is one connection to one extension server.
type Conn struct {
	cfg    ServerConfig
	dial   Dialer
	logger *slog.Logger
	nextID atomic.Int64

	// life is cancelled by Disconnect, aborting in-flight calls on
	// transports without their own pending table.
	life     context.Context
	lifeStop context.CancelFunc

	connectMu sync.Mutex

	mu        sync.RWMutex
	state     connState
	connErr   error
	transport Transport
	tools     []ToolDescriptor
	onLost    func(error)
}

// NewConn creates an unconnected Conn. A nil dial uses DialTransport.
func NewConn(cfg ServerConfig, dial Dialer, logger *slog.Logger) *Conn {
	if dial == nil {
		dial = DialTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	life, stop := context.WithCancel(context.Background())
	return &Conn{
		cfg:      cfg,
		dial:     dial,
		logger:   logger.With("server", cfg.Name),
		life:     life,
		lifeStop: stop,
	}
}

// Name returns the server name.
func (c *Conn) Name() string { return c.cfg.Name }

// OnLost registers a callback run once, on its own goroutine, when a
// live connection's transport fails. Explicit Disconnect does not
// trigger it.
func (c *Conn) OnLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Live reports whether the connection completed its handshake and has
// not since failed or been closed.
func (c *Conn) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateLive
}

// Connect launches the transport, performs the handshake, and discovers
// tools. Calling it on a live Conn is a no-op. A failed Conn stays
// failed and returns the original *ConnectionError.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	state, connErr := c.state, c.connErr
	c.mu.RUnlock()
	switch state {
	case stateLive:
		return nil
	case stateFailed:
		return connErr
	case stateClosed:
		return &ConnectionError{Server: c.cfg.Name, Op: "connect", Err: ErrTransportClosed}
	}

	fail := func(op string, err error) error {
		ce := &ConnectionError{Server: c.cfg.Name, Op: op, Err: err}
		c.mu.Lock()
		c.state = stateFailed
		c.connErr = ce
		t := c.transport
		c.transport = nil
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		c.lifeStop()
		return ce
	}

	t, err := c.dial(ctx, c.cfg, c.logger)
	if err != nil {
		return fail("dial", err)
	}
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		return fail("initialize", err)
	}
	tools, err := c.listTools(ctx)
	if err != nil {
		return fail("tools/list", err)
	}

	c.mu.Lock()
	c.state = stateLive
	c.tools = tools
	c.mu.Unlock()

	if d, ok := t.(interface{ Done() <-chan struct{} }); ok {
		go c.watchTransport(d.Done())
	}

	c.logger.Info("MCP server connected", "tools", len(tools))
	return nil
}

func (c *Conn) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "hark",
			"version": buildinfo.Version,
		},
	}
	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	c.logger.Debug("MCP handshake complete",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	return c.notify(ctx, NewNotification("notifications/initialized", nil))
}

// listTools pages through tools/list and applies include/exclude
// filters.
func (c *Conn) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor
	seen := make(map[string]bool)
	cursor := ""
	for page := 0; page < 100; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.send(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}

		for _, def := range result.Tools {
			if def.Name == "" || seen[def.Name] || !c.allowed(def.Name) {
				continue
			}
			seen[def.Name] = true
			tools = append(tools, ToolDescriptor{
				Name:        def.Name,
				Description: def.Description,
				Server:      c.cfg.Name,
				InputSchema: def.InputSchema,
				Schema:      CompileSchema(def.InputSchema),
			})
		}

		if result.NextCursor == "" || result.NextCursor == cursor {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

func (c *Conn) allowed(name string) bool {
	if len(c.cfg.IncludeTools) > 0 {
		return slices.Contains(c.cfg.IncludeTools, name)
	}
	return !slices.Contains(c.cfg.ExcludeTools, name)
}

// Tools returns the tools discovered at connect time.
func (c *Conn) Tools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.tools)
}

// Invoke calls a tool. Calls may run concurrently; each is matched to
// its response by id. A zero timeout waits for ctx alone. If ctx ends
// first the server is told to cancel and ctx.Err() is returned.
func (c *Conn) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	c.mu.RLock()
	live, t := c.state == stateLive, c.transport
	c.mu.RUnlock()
	if !live {
		return ToolResult{}, &InvocationError{Kind: ConnectionLost, Server: c.cfg.Name, Tool: tool, Err: ErrTransportClosed}
	}
	if args == nil {
		args = map[string]any{}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	id := c.nextID.Add(1)
	req := NewRequest(id, "tools/call", map[string]any{"name": tool, "arguments": args})
	resp, err := t.Send(callCtx, req)
	if err != nil {
		switch {
		case c.life.Err() != nil:
			return ToolResult{}, &InvocationError{Kind: ConnectionLost, Server: c.cfg.Name, Tool: tool, Err: ErrTransportClosed}
		case ctx.Err() != nil:
			c.cancelRequest(id, "caller cancelled")
			return ToolResult{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			c.cancelRequest(id, "timeout")
			return ToolResult{}, &InvocationError{Kind: Timeout, Server: c.cfg.Name, Tool: tool, Err: fmt.Errorf("no response after %s", timeout)}
		default:
			c.markLost(err)
			return ToolResult{}, &InvocationError{Kind: ConnectionLost, Server: c.cfg.Name, Tool: tool, Err: err}
		}
	}

	if resp.Error != nil {
		kind := ServerError
		switch resp.Error.Code {
		case CodeInvalidParams, CodeInvalidRequest, CodeMethodNotFound:
			kind = InvalidRequest
		}
		return ToolResult{}, &InvocationError{Kind: kind, Server: c.cfg.Name, Tool: tool, Err: resp.Error}
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ToolResult{}, &InvocationError{Kind: ServerError, Server: c.cfg.Name, Tool: tool, Err: fmt.Errorf("unmarshal tools/call result: %w", err)}
	}
	return ToolResult{Content: result.Content, Structured: result.StructuredContent, IsError: result.IsError}, nil
}

// cancelRequest tells the server to stop working on id. Best effort.
func (c *Conn) cancelRequest(id int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n := NewNotification("notifications/cancelled", map[string]any{"requestId": id, "reason": reason})
	if err := c.notify(ctx, n); err != nil {
		c.logger.Debug("failed to send cancellation", "id", id, "error", err)
	}
}

// Ping checks that the server is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	if !c.Live() {
		return ErrTransportClosed
	}
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Disconnect closes the transport and subprocess. Calls still in flight
// fail with ConnectionLost. Safe to call more than once.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	wasLive := c.state == stateLive
	c.state = stateClosed
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	c.lifeStop()
	if t == nil {
		return nil
	}
	if wasLive {
		c.logger.Info("disconnecting MCP server")
	}
	return t.Close()
}

func (c *Conn) watchTransport(done <-chan struct{}) {
	select {
	case <-done:
		c.markLost(ErrTransportClosed)
	case <-c.life.Done():
	}
}

// markLost moves a live Conn to failed and fires the OnLost callback.
func (c *Conn) markLost(cause error) {
	c.mu.Lock()
	if c.state != stateLive {
		c.mu.Unlock()
		return
	}
	c.state = stateFailed
	c.connErr = &ConnectionError{Server: c.cfg.Name, Op: "transport", Err: cause}
	fn := c.onLost
	c.mu.Unlock()

	c.logger.Warn("MCP server connection lost", "error", cause)
	if fn != nil {
		go fn(cause)
	}
}

func (c *Conn) send(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return nil, ErrTransportClosed
	}

	resp, err := t.Send(ctx, NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

func (c *Conn) notify(ctx context.Context, n *Notification) error {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return ErrTransportClosed
	}
	return t.Notify(ctx, n)
}
