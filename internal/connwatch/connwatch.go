// Package connwatch supplies the reconnection schedule and liveness
// polling for extension servers.
//
// Retry runs a bounded exponential-backoff loop around a connect
// function; the registry uses it when a server connection is lost.
// Watcher polls an already-connected service on a fixed interval and
// reports ready/down transitions, so a server that stops answering is
// noticed even when no tool call is in flight.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// ErrExhausted is wrapped by Retry when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// BackoffConfig controls exponential backoff.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries bounds Retry attempts. Zero means a single attempt.
	MaxRetries int
}

// DefaultBackoffConfig returns 1s, 2s, 4s, ... capped at 30s, five
// attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
	}
}

// Delay returns the wait before attempt n (1-based). The first attempt
// is immediate.
func (b BackoffConfig) Delay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(b.InitialDelay)
	for i := 2; i < n; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && time.Duration(d) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, ctx ends, or MaxRetries attempts
// have failed. It returns the number of attempts made. On exhaustion the
// error wraps both ErrExhausted and the last failure.
func Retry(ctx context.Context, b BackoffConfig, name string, logger *slog.Logger, fn func(context.Context) error) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limit := b.MaxRetries
	if limit < 1 {
		limit = 1
	}

	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		if d := b.Delay(attempt); d > 0 {
			logger.Debug("waiting before retry",
				"service", name,
				"attempt", attempt,
				"delay", d.String(),
			)
			if !sleepCtx(ctx, d) {
				return attempt - 1, ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		logger.Info("connect attempt failed",
			"service", name,
			"attempt", attempt,
			"max_retries", limit,
			"error", lastErr,
		)
	}
	return limit, fmt.Errorf("%s: %w after %d attempts: %w", name, ErrExhausted, limit, lastErr)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	Name         string
	Probe        ProbeFunc
	Interval     time.Duration
	ProbeTimeout time.Duration

	// OnDown and OnReady run on their own goroutine when the probe
	// result changes. Both are optional.
	OnDown  func(err error)
	OnReady func()

	Logger *slog.Logger
}

// ServiceStatus is a point-in-time health report.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls one service. It starts in the ready state since the
// caller has just connected.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	logger := w.config.Logger

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
		err := w.config.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		w.lastErr = err
		w.lastCheck = time.Now()
		w.mu.Unlock()

		wasReady := w.ready.Load()
		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Warn("service stopped responding", "service", w.config.Name, "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("service recovered", "service", w.config.Name)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of named watchers. Watching a name that is already
// watched replaces (and stops) the previous watcher.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher. Panics if Name is empty, Probe is nil, or
// Interval is not positive.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil || cfg.Interval <= 0 {
		panic("connwatch: WatcherConfig requires Name, Probe and a positive Interval")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{config: cfg, cancel: cancel, done: make(chan struct{})}
	w.ready.Store(true)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and removes the named watcher, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Status returns the health status of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down every watcher and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
