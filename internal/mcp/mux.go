package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// levelTrace matches config.LevelTrace; wire payloads log here.
const levelTrace = slog.Level(-8)

// framer moves whole JSON-RPC messages over a byte stream or a
// message-oriented connection.
type framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// muxTransport multiplexes concurrent requests over one framer. A single
// reader goroutine routes each response to the waiter registered under
// its id, so any number of requests may be outstanding at once.
type muxTransport struct {
	f      framer
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *Response
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func newMuxTransport(f framer, logger *slog.Logger) *muxTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &muxTransport{
		f:       f,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Send writes req and waits for the response carrying the same id.
func (t *muxTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)

	t.mu.Lock()
	if t.isDone() {
		t.mu.Unlock()
		return nil, t.closedErr()
	}
	if _, dup := t.pending[req.ID]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("request id %d already in flight", req.ID)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.forget(req.ID)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "mcp send", "id", req.ID, "method", req.Method, "json", string(data))

	if err := t.write(data); err != nil {
		t.forget(req.ID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-t.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, t.closedErr()
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	}
}

// Notify writes a notification.
func (t *muxTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "mcp notify", "method", notif.Method, "json", string(data))
	return t.write(data)
}

// Close fails every outstanding request and closes the framer, which
// unblocks the reader.
func (t *muxTransport) Close() error {
	t.shutdown(errors.New("closed by client"))
	return t.f.Close()
}

// Done is closed once the transport can no longer carry messages.
func (t *muxTransport) Done() <-chan struct{} {
	return t.done
}

func (t *muxTransport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.isDone() {
		return t.closedErr()
	}
	if err := t.f.WriteFrame(data); err != nil {
		t.shutdown(fmt.Errorf("write: %w", err))
		return t.closedErr()
	}
	return nil
}

func (t *muxTransport) readLoop() {
	for {
		frame, err := t.f.ReadFrame()
		if err != nil {
			t.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		t.dispatch(frame)
	}
}

func (t *muxTransport) dispatch(frame []byte) {
	var m message
	if err := json.Unmarshal(frame, &m); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP server", "line", string(frame))
		return
	}
	t.logger.Log(context.Background(), levelTrace, "mcp recv", "json", string(frame))

	switch {
	case m.isResponse():
		id, ok := m.responseID()
		if !ok {
			t.logger.Debug("skipping response with unparseable id", "id", string(m.ID))
			return
		}
		t.mu.Lock()
		ch, found := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if !found {
			t.logger.Debug("skipping unmatched MCP response", "id", id)
			return
		}
		ch <- m.response(id)

	case m.Method != "" && m.hasID():
		data, err := json.Marshal(answerServerRequest(&m))
		if err != nil {
			return
		}
		// Replying from the reader could deadlock against a writer
		// blocked on a full pipe.
		go func() {
			if err := t.write(data); err != nil {
				t.logger.Debug("failed to answer server request", "method", m.Method, "error", err)
			}
		}()

	case m.Method != "":
		t.logger.Debug("MCP server notification", "method", m.Method)
	}
}

func (t *muxTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *muxTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = cause
		t.pending = make(map[int64]chan *Response)
		close(t.done)
		t.mu.Unlock()
	})
}

func (t *muxTransport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *muxTransport) closedErr() error {
	t.mu.Lock()
	cause := t.err
	t.mu.Unlock()
	if cause == nil {
		return ErrTransportClosed
	}
	return fmt.Errorf("%w: %v", ErrTransportClosed, cause)
}

// lineFramer frames newline-delimited JSON, the stdio wire format.
type lineFramer struct {
	r       *bufio.Reader
	w       io.Writer
	closeFn func() error

	// onReadErr runs when the read side ends.
	onReadErr func()
}

func (f *lineFramer) ReadFrame() ([]byte, error) {
	for {
		line, err := f.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if f.onReadErr != nil {
				f.onReadErr()
			}
			return nil, err
		}
	}
}

func (f *lineFramer) WriteFrame(data []byte) error {
	_, err := f.w.Write(append(data, '\n'))
	return err
}

func (f *lineFramer) Close() error {
	if f.closeFn == nil {
		return nil
	}
	return f.closeFn()
}

// NewStreamTransport runs newline-delimited JSON-RPC over r and w. The
// closer, if non-nil, is called on Close and must cause reads from r to
// return.
func NewStreamTransport(r io.Reader, w io.Writer, closer func() error, logger *slog.Logger) Transport {
	return newMuxTransport(&lineFramer{
		r:       bufio.NewReaderSize(r, 1<<20),
		w:       w,
		closeFn: closer,
	}, logger)
}
