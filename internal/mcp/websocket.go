package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures an MCP server reached over WebSocket. Each
// JSON-RPC message travels as one text frame.
type WebSocketConfig struct {
	URL     string
	Headers map[string]string
	Logger  *slog.Logger
}

// DialWebSocket connects to a WebSocket MCP endpoint negotiating the
// "mcp" subprotocol.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (Transport, error) {
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"mcp"},
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(64 << 20)

	return newMuxTransport(&wsFramer{conn: conn}, cfg.Logger), nil
}

type wsFramer struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (f *wsFramer) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame is only called under the mux write lock, satisfying
// gorilla's single-writer rule.
func (f *wsFramer) WriteFrame(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *wsFramer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}
