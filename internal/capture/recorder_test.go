package capture

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCommandRecorder_Frames(t *testing.T) {
	r := &CommandRecorder{
		Command:       "sh",
		Args:          []string{"-c", `printf '\001\000\002\000\003\000'`},
		FrameDuration: 100 * time.Millisecond,
	}

	var frames [][]int16
	// 20 Hz at 100ms is two samples per frame.
	if err := r.Record(context.Background(), 20, func(f []int16) { frames = append(frames, f) }); err != nil {
		t.Fatalf("Record: %v", err)
	}
	want := [][]int16{{1, 2}, {3}}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandRecorder_RateSubstitution(t *testing.T) {
	r := &CommandRecorder{
		Command: "sh",
		Args:    []string{"-c", `test "$0" = 16000`, "{rate}"},
	}
	if err := r.Record(context.Background(), 16000, func([]int16) {}); err != nil {
		t.Errorf("Record: %v", err)
	}
}

func TestCommandRecorder_CommandFails(t *testing.T) {
	r := &CommandRecorder{
		Command: "sh",
		Args:    []string{"-c", "echo no capture device >&2; exit 3"},
	}
	err := r.Record(context.Background(), 16000, func([]int16) {})
	if err == nil || !strings.Contains(err.Error(), "no capture device") {
		t.Errorf("err = %v, want recorder failure with stderr", err)
	}

	r = &CommandRecorder{Command: "/nonexistent/recorder"}
	if err := r.Record(context.Background(), 16000, func([]int16) {}); err == nil {
		t.Error("missing command: want error")
	}
}

func TestCommandRecorder_CancelIsCleanStop(t *testing.T) {
	r := &CommandRecorder{Command: "sleep", Args: []string{"10"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Record(ctx, 16000, func([]int16) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Record after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Record did not return after cancel")
	}
}
