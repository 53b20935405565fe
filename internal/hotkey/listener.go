package hotkey

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// EventKind distinguishes key press from release.
type EventKind int

const (
	Down EventKind = iota
	Up
)

func (k EventKind) String() string {
	if k == Up {
		return "up"
	}
	return "down"
}

// Event is one key event resolved to a bound action.
type Event struct {
	Action string
	Kind   EventKind
	Combo  Combo
}

// Handler receives resolved events in arrival order.
type Handler func(Event)

// Listener accepts line commands on a unix socket from the OS-level
// hotkey collaborator (or "hark trigger"):
//
//	down <combo>
//	up <combo>
//	press <combo>     # down then up
//	ping
//
// Each line gets one reply line, "ok [action]" or "err <reason>".
type Listener struct {
	Path     string
	Bindings *Bindings
	Handler  Handler
	Logger   *slog.Logger

	mu    sync.Mutex // serializes Handler calls across connections
	conns sync.WaitGroup
}

// Serve listens until ctx ends, then closes the socket and waits for
// open connections to finish.
func (l *Listener) Serve(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hotkey", "socket", l.Path)

	// A socket file left by a crashed run would make Listen fail.
	if fi, err := os.Stat(l.Path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if c, err := net.DialTimeout("unix", l.Path, 200*time.Millisecond); err == nil {
			c.Close()
			return fmt.Errorf("control socket %s is in use by another process", l.Path)
		}
		_ = os.Remove(l.Path)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", l.Path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(l.Path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict control socket: %w", err)
	}
	logger.Info("control socket listening")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.conns.Wait()
			_ = os.Remove(l.Path)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			l.serveConn(ctx, conn, logger)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := l.handleLine(line, logger)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func (l *Listener) handleLine(line string, logger *slog.Logger) string {
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToLower(verb)
	if verb == "ping" {
		return "ok pong"
	}

	var kinds []EventKind
	switch verb {
	case "down":
		kinds = []EventKind{Down}
	case "up":
		kinds = []EventKind{Up}
	case "press":
		kinds = []EventKind{Down, Up}
	default:
		return fmt.Sprintf("err unknown command %q", verb)
	}

	combo, err := ParseCombo(arg)
	if err != nil {
		return "err " + err.Error()
	}
	action, ok := l.Bindings.Action(combo)
	if !ok {
		logger.Debug("unbound key combination", "combo", combo)
		return fmt.Sprintf("err %s is not bound", combo)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range kinds {
		logger.Debug("hotkey event", "action", action, "kind", k)
		if l.Handler != nil {
			l.Handler(Event{Action: action, Kind: k, Combo: combo})
		}
	}
	return "ok " + action
}

// Send delivers one command line to a running Listener and returns its
// reply, with the "ok"/"err" status turned into an error.
func Send(ctx context.Context, path, line string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	status, rest, _ := strings.Cut(strings.TrimSpace(reply), " ")
	if status != "ok" {
		return "", errors.New(rest)
	}
	return rest, nil
}
