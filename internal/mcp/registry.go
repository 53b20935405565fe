package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/hark/internal/connwatch"
	"github.com/nugget/hark/internal/events"
)

// ErrRegistryClosed is returned by operations after Shutdown.
var ErrRegistryClosed = errors.New("registry shut down")

// SessionState is the lifecycle state of one registered server.
type SessionState string

const (
	StateConnecting   SessionState = "connecting"
	StateLive         SessionState = "live"
	StateReconnecting SessionState = "reconnecting"
	StateFailed       SessionState = "failed"
	StateStopped      SessionState = "stopped"
)

// RegistryConfig configures a Registry. Zero values take defaults.
type RegistryConfig struct {
	Dialer         Dialer
	Logger         *slog.Logger
	Events         *events.Bus
	MaxParallel    int
	ConnectTimeout time.Duration

	// Backoff schedules reconnect attempts; MaxRetries bounds them.
	Backoff connwatch.BackoffConfig

	// HealthInterval enables periodic pings of live servers.
	HealthInterval time.Duration
}

// StartResult is the outcome of connecting one server during Start.
type StartResult struct {
	Server string
	Tools  int
	Err    error
}

// ServerStatus describes one registered server.
type ServerStatus struct {
	Name       string       `json:"name"`
	Transport  string       `json:"transport"`
	State      SessionState `json:"state"`
	Tools      int          `json:"tools"`
	Reconnects int          `json:"reconnects"`
	LastError  string       `json:"last_error,omitempty"`
}

// session is the registry's record for one server. Sessions are
// replaced wholesale on every state change, never edited in place.
type session struct {
	id       string
	cfg      ServerConfig
	conn     *Conn
	state    SessionState
	err      error
	attempts int
}

func (s *session) with(state SessionState, conn *Conn, err error) *session {
	return &session{id: s.id, cfg: s.cfg, conn: conn, state: state, err: err, attempts: s.attempts}
}

type flight struct {
	done chan struct{}
	err  error
}

// Registry owns every extension server connection and the merged tool
// catalog.
type Registry struct {
	dial           Dialer
	logger         *slog.Logger
	bus            *events.Bus
	maxParallel    int
	connectTimeout time.Duration
	backoff        connwatch.BackoffConfig
	healthInterval time.Duration
	watch          *connwatch.Manager

	base context.Context
	stop context.CancelFunc
	bg   sync.WaitGroup

	mu       sync.Mutex
	order    []string
	sessions map[string]*session
	flights  map[string]*flight
	reported map[Collision]bool
	closed   bool

	catalog atomic.Pointer[Catalog]
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Backoff == (connwatch.BackoffConfig{}) {
		cfg.Backoff = connwatch.DefaultBackoffConfig()
	}

	base, stop := context.WithCancel(context.Background())
	r := &Registry{
		dial:           cfg.Dialer,
		logger:         logger,
		bus:            cfg.Events,
		maxParallel:    cfg.MaxParallel,
		connectTimeout: cfg.ConnectTimeout,
		backoff:        cfg.Backoff,
		healthInterval: cfg.HealthInterval,
		watch:          connwatch.NewManager(logger),
		base:           base,
		stop:           stop,
		sessions:       make(map[string]*session),
		flights:        make(map[string]*flight),
		reported:       make(map[Collision]bool),
	}
	r.catalog.Store(EmptyCatalog())
	return r
}

// Start registers servers in the given order and connects them in
// parallel. A server that fails to connect is recorded as failed and
// does not affect the others. Registration order, not connect
// completion order, decides tool name collisions.
func (r *Registry) Start(ctx context.Context, servers []ServerConfig) []StartResult {
	results := make([]StartResult, len(servers))
	accepted := make([]bool, len(servers))

	r.mu.Lock()
	for i, sc := range servers {
		results[i].Server = sc.Name
		switch {
		case r.closed:
			results[i].Err = ErrRegistryClosed
		case r.sessions[sc.Name] != nil:
			results[i].Err = fmt.Errorf("server %q already registered", sc.Name)
		default:
			r.order = append(r.order, sc.Name)
			r.sessions[sc.Name] = &session{id: sc.Name, cfg: sc, state: StateConnecting}
			accepted[i] = true
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, sc := range servers {
		if !accepted[i] {
			continue
		}
		g.Go(func() error {
			conn, err := r.connect(ctx, sc)
			if err == nil {
				err = r.install(sc.Name, conn, 0)
			}
			if err != nil {
				r.logger.Warn("MCP server failed to start", "server", sc.Name, "error", err)
				r.markFailed(sc.Name, err)
				results[i].Err = err
				return nil
			}
			results[i].Tools = len(conn.Tools())
			return nil
		})
	}
	_ = g.Wait()

	r.rebuild()
	return results
}

// connect builds and connects a fresh Conn.
func (r *Registry) connect(ctx context.Context, sc ServerConfig) (*Conn, error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = r.connectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(r.base, cancel)
	defer stop()

	conn := NewConn(sc, r.dial, r.logger)
	conn.OnLost(func(err error) { r.lost(sc.Name, conn, err) })
	if err := conn.Connect(cctx); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	return conn, nil
}

// install makes conn the live connection for id.
func (r *Registry) install(id string, conn *Conn, attempts int) error {
	r.mu.Lock()
	s := r.sessions[id]
	if r.closed || s == nil {
		r.mu.Unlock()
		_ = conn.Disconnect()
		return ErrRegistryClosed
	}
	next := s.with(StateLive, conn, nil)
	next.attempts += attempts
	r.sessions[id] = next
	r.mu.Unlock()

	if r.healthInterval > 0 {
		r.watch.Watch(r.base, connwatch.WatcherConfig{
			Name:     id,
			Probe:    conn.Ping,
			Interval: r.healthInterval,
			OnDown:   func(err error) { r.lost(id, conn, err) },
			Logger:   r.logger,
		})
	}

	r.rebuild()
	r.bus.Emit(events.SourceRegistry, events.KindServerUp, map[string]any{"server": id, "tools": len(conn.Tools())})

	// The transport may have died before OnLost could find the session.
	if !conn.Live() {
		r.lost(id, conn, ErrTransportClosed)
	}
	return nil
}

func (r *Registry) markFailed(id string, err error) {
	r.mu.Lock()
	if s := r.sessions[id]; s != nil && !r.closed {
		r.sessions[id] = s.with(StateFailed, nil, err)
	}
	r.mu.Unlock()
}

// lost handles a live connection that stopped working: its tools leave
// the catalog immediately and a reconnect starts in the background.
// Reports about a connection that is no longer current are ignored.
func (r *Registry) lost(id string, conn *Conn, cause error) {
	r.mu.Lock()
	s := r.sessions[id]
	if r.closed || s == nil || s.conn != conn || s.state != StateLive {
		r.mu.Unlock()
		return
	}
	r.sessions[id] = s.with(StateReconnecting, nil, cause)
	r.bg.Add(1)
	r.mu.Unlock()

	r.watch.Unwatch(id)
	_ = conn.Disconnect()
	r.rebuild()
	r.logger.Warn("MCP server lost, reconnecting", "server", id, "error", cause)
	r.bus.Emit(events.SourceRegistry, events.KindServerDown, map[string]any{"server": id, "error": fmt.Sprint(cause)})

	go func() {
		defer r.bg.Done()
		_ = r.Reconnect(r.base, id)
	}()
}

// Reconnect re-establishes one server with exponential backoff, creating
// a new Conn per attempt. Concurrent calls for the same server share one
// attempt sequence. When attempts are exhausted the server is marked
// failed and its tools stay out of the catalog. Reconnecting a live
// server is a no-op.
func (r *Registry) Reconnect(ctx context.Context, id string) error {
	for {
		f, cfg, err := r.claimFlight(id)
		if err != nil || (f == nil && cfg == nil) {
			return err
		}
		if cfg != nil {
			return r.runFlight(ctx, id, *cfg, f)
		}

		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// The connection installed by that flight may already have been
		// lost again; if so, run a fresh sequence.
		r.mu.Lock()
		again := !r.closed && r.sessions[id].state == StateReconnecting && r.flights[id] == nil
		r.mu.Unlock()
		if !again {
			return f.err
		}
	}
}

// claimFlight returns either an existing flight to wait on (cfg nil), a
// new flight owned by the caller (cfg set), or neither when the server
// is already live.
func (r *Registry) claimFlight(id string) (*flight, *ServerConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRegistryClosed
	}
	s := r.sessions[id]
	if s == nil {
		return nil, nil, fmt.Errorf("unknown server %q", id)
	}
	if f := r.flights[id]; f != nil {
		return f, nil, nil
	}
	if s.state == StateLive && s.conn.Live() {
		return nil, nil, nil
	}
	f := &flight{done: make(chan struct{})}
	r.flights[id] = f
	if s.state != StateReconnecting {
		if s.conn != nil {
			go s.conn.Disconnect()
		}
		r.sessions[id] = s.with(StateReconnecting, nil, s.err)
	}
	cfg := s.cfg
	return f, &cfg, nil
}

func (r *Registry) runFlight(ctx context.Context, id string, cfg ServerConfig, f *flight) error {
	attempts, err := connwatch.Retry(ctx, r.backoff, id, r.logger, func(ctx context.Context) error {
		conn, err := r.connect(ctx, cfg)
		if err != nil {
			return err
		}
		return r.install(id, conn, 1)
	})

	if err != nil && r.base.Err() == nil {
		r.mu.Lock()
		if cur := r.sessions[id]; cur != nil && !r.closed {
			next := cur.with(StateFailed, nil, err)
			next.attempts += attempts
			r.sessions[id] = next
		}
		r.mu.Unlock()
		r.rebuild()
		r.logger.Error("MCP server permanently failed", "server", id, "attempts", attempts, "error", err)
		r.bus.Emit(events.SourceRegistry, events.KindServerFailed, map[string]any{"server": id, "attempts": attempts})
	}

	r.mu.Lock()
	delete(r.flights, id)
	f.err = err
	close(f.done)
	r.mu.Unlock()
	return err
}

// rebuild publishes a new catalog from the live sessions. Each distinct
// collision is logged the first time it is seen.
func (r *Registry) rebuild() {
	r.mu.Lock()
	sources := make([]catalogSource, 0, len(r.order))
	for _, id := range r.order {
		if s := r.sessions[id]; s.state == StateLive && s.conn != nil {
			sources = append(sources, catalogSource{server: id, tools: s.conn.Tools()})
		}
	}
	cat, collisions := buildCatalog(sources)
	var fresh []Collision
	for _, c := range collisions {
		if !r.reported[c] {
			r.reported[c] = true
			fresh = append(fresh, c)
		}
	}
	if r.closed {
		cat = EmptyCatalog()
	}
	r.catalog.Store(cat)
	r.mu.Unlock()

	for _, c := range fresh {
		r.logger.Warn("tool name collision, keeping earlier server",
			"tool", c.Tool, "kept", c.Winner, "ignored", c.Loser)
		r.bus.Emit(events.SourceRegistry, events.KindToolCollision,
			map[string]any{"tool": c.Tool, "winner": c.Winner, "loser": c.Loser})
	}
}

// Catalog returns the current tool snapshot. The snapshot never changes;
// later calls may return a newer one.
func (r *Registry) Catalog() *Catalog {
	return r.catalog.Load()
}

// Invoke routes a tool call to the live server that owns the tool. A
// tool with no live owner, including one whose server just died, yields
// an UnknownTool error without contacting any server. A server with its
// own Timeout uses that instead of timeout.
func (r *Registry) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	desc, ok := r.Catalog().Lookup(tool)
	if !ok {
		return ToolResult{}, &InvocationError{Kind: UnknownTool, Tool: tool, Err: errors.New("no live server offers this tool")}
	}

	r.mu.Lock()
	var conn *Conn
	if s := r.sessions[desc.Server]; s != nil && s.state == StateLive {
		conn = s.conn
		if s.cfg.Timeout > 0 {
			timeout = s.cfg.Timeout
		}
	}
	r.mu.Unlock()
	if conn == nil {
		return ToolResult{}, &InvocationError{Kind: UnknownTool, Server: desc.Server, Tool: tool, Err: errors.New("server is not live")}
	}

	res, err := conn.Invoke(ctx, tool, args, timeout)
	if IsKind(err, ConnectionLost) {
		r.lost(desc.Server, conn, err)
	}
	return res, err
}

// Statuses reports every registered server in registration order.
func (r *Registry) Statuses() []ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerStatus, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		st := ServerStatus{
			Name:       id,
			Transport:  s.cfg.Transport,
			State:      s.state,
			Reconnects: s.attempts,
		}
		if st.Transport == "" {
			st.Transport = "stdio"
		}
		if s.conn != nil && s.state == StateLive {
			st.Tools = len(s.conn.Tools())
		}
		if s.err != nil {
			st.LastError = s.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Shutdown disconnects every server and stops reconnect attempts.
// In-flight invocations complete with ConnectionLost. It returns when
// everything is released or ctx ends, whichever is first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var conns []*Conn
	for _, id := range r.order {
		s := r.sessions[id]
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
		r.sessions[id] = s.with(StateStopped, nil, s.err)
	}
	r.catalog.Store(EmptyCatalog())
	r.mu.Unlock()

	r.stop()
	r.watch.Stop()

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for _, c := range conns {
			g.Go(c.Disconnect)
		}
		err := g.Wait()
		r.bg.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		r.logger.Info("MCP registry shut down", "servers", len(conns))
		return err
	case <-ctx.Done():
		r.logger.Warn("MCP registry shutdown abandoned waiting for servers", "error", ctx.Err())
		return ctx.Err()
	}
}
