package present

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Writer prints to a terminal or log stream. In text mode statuses are
// bracketed lines and answers are printed as plain text; in JSON mode
// every call is one JSON object per line.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	json    bool
	verbose bool
	last    string
}

// NewWriter creates a Writer. format is "text" or "json". Statuses are
// only printed when verbose is set.
func NewWriter(w io.Writer, format string, verbose bool) *Writer {
	return &Writer{w: w, json: format == "json", verbose: verbose}
}

type writerRecord struct {
	Type           string  `json:"type"`
	Status         string  `json:"status,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Request        string  `json:"request,omitempty"`
	Text           string  `json:"text,omitempty"`
	ElapsedSec     float64 `json:"elapsed_sec,omitempty"`
	Error          string  `json:"error,omitempty"`
}

func (w *Writer) emit(rec writerRecord, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.json {
		_ = json.NewEncoder(w.w).Encode(rec)
		return
	}
	fmt.Fprintln(w.w, text)
}

func (w *Writer) Status(_ context.Context, status string) {
	if !w.verbose {
		return
	}
	w.mu.Lock()
	repeat := status == w.last
	w.last = status
	w.mu.Unlock()
	if repeat {
		return
	}
	w.emit(writerRecord{Type: "status", Status: status}, "["+status+"]")
}

func (w *Writer) Answer(_ context.Context, a Answer) {
	w.emit(writerRecord{
		Type:           "answer",
		ConversationID: a.ConversationID,
		Request:        a.Request,
		Text:           a.Text,
		ElapsedSec:     a.Elapsed.Round(time.Millisecond).Seconds(),
	}, PlainText(a.Text))
}

func (w *Writer) Error(_ context.Context, summary string) {
	w.emit(writerRecord{Type: "error", Error: summary}, "error: "+summary)
}

func (w *Writer) ToggleWindow(context.Context) {
	w.emit(writerRecord{Type: "toggle_window"}, "[toggle window]")
}
