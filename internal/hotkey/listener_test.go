package hotkey

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// startListener runs a Listener; the returned stop cancels it and
// returns Serve's result. It is safe to call more than once.
func startListener(t *testing.T) (string, <-chan Event, func() error) {
	t.Helper()
	// Short path: unix socket names are length limited.
	dir, err := os.MkdirTemp("", "hk")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "ctl.sock")

	b, err := ParseBindings(map[string]string{"capture": "ctrl+alt+t", "toggle_window": "f4"})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan Event, 16)
	l := &Listener{Path: path, Bindings: b, Handler: func(e Event) { events <- e }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(2 * time.Second):
				stopErr = errors.New("Serve did not return after cancel")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { stop() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := Send(context.Background(), path, "ping"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listener never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return path, events, stop
}

func TestListener_Commands(t *testing.T) {
	path, events, _ := startListener(t)
	ctx := context.Background()

	reply, err := Send(ctx, path, "press <ctrl>+<alt>+t")
	if err != nil || reply != "capture" {
		t.Fatalf("press = %q, %v", reply, err)
	}
	if _, err := Send(ctx, path, "down F4"); err != nil {
		t.Fatalf("down: %v", err)
	}

	var got []Event
	for range 3 {
		got = append(got, <-events)
	}
	capture := Combo{Ctrl | Alt, "t"}
	want := []Event{
		{Action: "capture", Kind: Down, Combo: capture},
		{Action: "capture", Kind: Up, Combo: capture},
		{Action: "toggle_window", Kind: Down, Combo: Combo{Key: "f4"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestListener_Rejects(t *testing.T) {
	path, events, _ := startListener(t)
	tests := []struct {
		line    string
		wantErr string
	}{
		{"press ctrl+shift+t", "not bound"},
		{"press ctrl+", "empty key name"},
		{"wiggle f4", "unknown command"},
	}
	for _, tt := range tests {
		_, err := Send(context.Background(), path, tt.line)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("Send(%q) error = %v, want %q", tt.line, err, tt.wantErr)
		}
	}
	select {
	case e := <-events:
		t.Errorf("rejected command delivered event %+v", e)
	default:
	}
}

func TestListener_Shutdown(t *testing.T) {
	path, _, stop := startListener(t)
	if err := stop(); err != nil {
		t.Fatalf("Serve() = %v, want nil", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file left behind: %v", err)
	}
	if _, err := Send(context.Background(), path, "ping"); err == nil {
		t.Error("Send succeeded after shutdown")
	}
}
