package mcp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a subprocess MCP server.
type StdioConfig struct {
	Command string
	Args    []string

	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string

	// Dir is the working directory; empty inherits ours.
	Dir string

	// StopGrace bounds how long Close waits for the process to exit
	// after stdin is closed before killing it. Default 5s.
	StopGrace time.Duration

	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin and stdout. Stderr is
// logged at debug level.
type StdioTransport struct {
	*muxTransport

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	grace  time.Duration
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// StartStdio launches the subprocess. The process lives until Close,
// independent of any request context.
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	logger.Info("MCP subprocess started", "command", cfg.Command, "pid", cmd.Process.Pid)

	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		grace:  grace,
		logger: logger,
		exited: make(chan struct{}),
	}
	go t.drainStderr(stderr)

	t.muxTransport = newMuxTransport(&lineFramer{
		r:         bufio.NewReaderSize(stdout, 1<<20),
		w:         stdin,
		closeFn:   t.stop,
		onReadErr: t.wait,
	}, logger)
	return t, nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// wait reaps the process. It runs once the reader has drained stdout,
// since Wait closes the pipe and would discard output not yet read.
func (t *StdioTransport) wait() {
	t.waitOnce.Do(func() {
		t.waitErr = t.cmd.Wait()
		close(t.exited)
	})
}

// stop closes stdin so the server can exit on its own, then kills it
// after the grace period.
func (t *StdioTransport) stop() error {
	t.stdin.Close()

	select {
	case <-t.exited:
	case <-time.After(t.grace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		// A child still holding stdout would keep the reader blocked.
		t.wait()
	}
	t.logger.Info("MCP subprocess stopped", "pid", t.cmd.Process.Pid)
	return nil
}
