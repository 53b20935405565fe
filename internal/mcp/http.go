package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hark/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on every request
// after initialize.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures a streamable-HTTP MCP server.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Logger  *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the server endpoint. The
// response arrives either as a JSON body or as a text/event-stream whose
// events are scanned for the matching id. Concurrent Sends are
// independent requests.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport. No connection is made
// until the first Send.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url: cfg.URL,
		// Per-call deadlines come from the context; event streams may
		// legitimately stay open past a fixed client timeout.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Send posts req and returns the response with the same id.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "mcp send", "id", req.ID, "method", req.Method, "json", string(body))

	httpResp, err := t.post(ctx, body, "application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, httpResp.Body, req.ID)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "mcp recv", "json", string(data))

	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	id, ok := m.responseID()
	if !m.isResponse() || !ok || id != req.ID {
		return nil, fmt.Errorf("response id %s does not match request %d", string(m.ID), req.ID)
	}
	return m.response(id), nil
}

// readEventStream scans server-sent events until one carries the
// response for id. Other messages on the stream are logged and skipped.
func (t *HTTPTransport) readEventStream(ctx context.Context, r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var data bytes.Buffer
	flush := func() *Response {
		defer data.Reset()
		if data.Len() == 0 {
			return nil
		}
		t.logger.Log(ctx, levelTrace, "mcp recv", "json", data.String())
		var m message
		if err := json.Unmarshal(data.Bytes(), &m); err != nil {
			t.logger.Debug("skipping non-JSON event", "data", data.String())
			return nil
		}
		if got, ok := m.responseID(); ok && m.isResponse() && got == id {
			return m.response(got)
		}
		if m.Method != "" {
			t.logger.Debug("MCP server notification", "method", m.Method)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp := flush(); resp != nil {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if resp := flush(); resp != nil {
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without response to request %d", id)
}

// Notify posts a notification; 200 and 202 are both success.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	httpResp, err := t.post(ctx, body, "application/json, text/event-stream")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// Close ends the server session, if one was assigned, and releases idle
// connections.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()

	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil); err == nil {
			req.Header.Set(sessionHeader, sid)
			if resp, err := t.httpClient.Do(req); err == nil {
				httpkit.DrainAndClose(resp.Body, 4096)
			}
		}
	}
	t.httpClient.CloseIdleConnections()
	return nil
}
