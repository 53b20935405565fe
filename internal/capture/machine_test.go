package capture

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakeRecorder emits whatever frames the test feeds it. sent is signalled
// once a frame has been queued with the machine, so a following hotkey
// event is ordered after it.
type fakeRecorder struct {
	frames  chan []int16
	sent    chan struct{}
	err     error
	started atomic.Int32
	stopped chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		frames:  make(chan []int16),
		sent:    make(chan struct{}, 16),
		stopped: make(chan struct{}, 16),
	}
}

func (r *fakeRecorder) Record(ctx context.Context, _ int, emit func([]int16)) error {
	r.started.Add(1)
	defer func() { r.stopped <- struct{}{} }()
	if r.err != nil {
		return r.err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-r.frames:
			emit(f)
			r.sent <- struct{}{}
		}
	}
}

func (r *fakeRecorder) feed(t *testing.T, f []int16) {
	t.Helper()
	select {
	case r.frames <- f:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder never accepted frame")
	}
	<-r.sent
}

type fakeTranscriber struct {
	text  string
	err   error
	block chan struct{}
	calls atomic.Int32
	got   chan Audio
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, a Audio) (string, error) {
	f.calls.Add(1)
	if f.got != nil {
		f.got <- a
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

type harness struct {
	m        *Machine
	rec      *fakeRecorder
	requests chan string
	errs     chan error
	states   chan State
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		requests: make(chan string, 8),
		errs:     make(chan error, 8),
		states:   make(chan State, 32),
		done:     make(chan error, 1),
	}
	if cfg.Recorder == nil {
		h.rec = newFakeRecorder()
		cfg.Recorder = h.rec
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1000
	}
	cfg.OnRequest = func(s string) { h.requests <- s }
	cfg.OnError = func(err error) { h.errs <- err }
	cfg.OnState = func(s State) { h.states <- s }
	h.m = NewMachine(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) expectState(t *testing.T, want State) {
	t.Helper()
	select {
	case got := <-h.states:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state %v", want)
	}
}

func (h *harness) expectNoState(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.states:
		t.Fatalf("unexpected state change to %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) expectRequest(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.requests:
		if got != want {
			t.Errorf("request = %q, want %q", got, want)
		}
	case err := <-h.errs:
		t.Fatalf("got error %v, want request %q", err, want)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func (h *harness) expectError(t *testing.T, reason string) *TranscriptionError {
	t.Helper()
	select {
	case err := <-h.errs:
		var terr *TranscriptionError
		if !errors.As(err, &terr) {
			t.Fatalf("error = %T %v, want *TranscriptionError", err, err)
		}
		if terr.Reason != reason {
			t.Errorf("Reason = %q, want %q", terr.Reason, reason)
		}
		return terr
	case got := <-h.requests:
		t.Fatalf("got request %q, want error %q", got, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func loud(n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = 3000
		if i%2 == 1 {
			f[i] = -3000
		}
	}
	return f
}

func quiet(n int) []int16 { return make([]int16, n) }

func TestMachine_DownUpWithoutAudio(t *testing.T) {
	tr := &fakeTranscriber{text: "never"}
	h := newHarness(t, Config{Transcriber: tr, StopOnRelease: true})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.m.HotkeyUp()
	h.expectState(t, Transcribing)
	h.expectState(t, Idle)

	h.expectError(t, "no audio captured")
	if n := tr.calls.Load(); n != 0 {
		t.Errorf("transcriber called %d times for empty audio", n)
	}
	if got := h.m.State(); got != Idle {
		t.Errorf("State() = %v, want Idle", got)
	}
	select {
	case r := <-h.requests:
		t.Errorf("unexpected request %q", r)
	default:
	}
}

func TestMachine_PressReleaseTranscribes(t *testing.T) {
	tr := &fakeTranscriber{text: "  what time is it \n", got: make(chan Audio, 1)}
	h := newHarness(t, Config{Transcriber: tr, StopOnRelease: true})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.rec.feed(t, loud(100))
	h.rec.feed(t, loud(50))
	h.m.HotkeyUp()
	h.expectState(t, Transcribing)
	h.expectRequest(t, "what time is it")
	h.expectState(t, Idle)

	a := <-tr.got
	if len(a.Samples) != 150 || a.SampleRate != 1000 {
		t.Errorf("transcribed audio = %d samples at %d Hz, want 150 at 1000", len(a.Samples), a.SampleRate)
	}
}

func TestMachine_DownWhileListeningIsNoop(t *testing.T) {
	tr := &fakeTranscriber{text: "hello"}
	h := newHarness(t, Config{Transcriber: tr, StopOnRelease: true, Retrigger: RetriggerIgnore})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.rec.feed(t, loud(100))
	h.m.HotkeyDown()
	h.expectNoState(t)
	if got := h.m.State(); got != Listening {
		t.Fatalf("State() = %v, want Listening", got)
	}
	if n := h.rec.started.Load(); n != 1 {
		t.Errorf("recorder started %d times, want 1", n)
	}

	h.m.HotkeyUp()
	h.expectState(t, Transcribing)
	h.expectRequest(t, "hello")
	h.expectState(t, Idle)
}

func TestMachine_RetriggerStop(t *testing.T) {
	tr := &fakeTranscriber{text: "stop here"}
	h := newHarness(t, Config{Transcriber: tr, StopOnRelease: false, Retrigger: RetriggerStop})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.rec.feed(t, loud(100))

	// Release does nothing without stop_on_release.
	h.m.HotkeyUp()
	h.expectNoState(t)

	h.m.HotkeyDown()
	h.expectState(t, Transcribing)
	h.expectRequest(t, "stop here")
	h.expectState(t, Idle)
}

func TestMachine_SilenceStops(t *testing.T) {
	tr := &fakeTranscriber{text: "quiet now"}
	h := newHarness(t, Config{
		Transcriber:      tr,
		SilenceThreshold: 500,
		SilenceDuration:  300 * time.Millisecond,
		MaxDuration:      time.Minute,
	})

	h.m.HotkeyDown()
	h.expectState(t, Listening)

	// Leading silence never ends an utterance.
	for range 5 {
		h.rec.feed(t, quiet(100))
	}
	h.expectNoState(t)

	h.rec.feed(t, loud(100))
	h.rec.feed(t, quiet(100))
	h.rec.feed(t, quiet(100))
	h.expectNoState(t)
	h.rec.feed(t, quiet(100))

	h.expectState(t, Transcribing)
	h.expectRequest(t, "quiet now")
	h.expectState(t, Idle)
}

func TestMachine_MaxDurationStops(t *testing.T) {
	tr := &fakeTranscriber{text: "long", got: make(chan Audio, 1)}
	h := newHarness(t, Config{Transcriber: tr, MaxDuration: 250 * time.Millisecond})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.rec.feed(t, loud(100))
	h.rec.feed(t, loud(100))
	h.expectNoState(t)
	h.rec.feed(t, loud(100))

	h.expectState(t, Transcribing)
	h.expectRequest(t, "long")
	if a := <-tr.got; a.Duration() != 300*time.Millisecond {
		t.Errorf("audio duration = %v, want 300ms", a.Duration())
	}
}

func TestMachine_TranscriptionFailures(t *testing.T) {
	boom := errors.New("recognizer exploded")
	tests := []struct {
		name   string
		tr     *fakeTranscriber
		reason string
		cause  error
	}{
		{name: "recognizer error", tr: &fakeTranscriber{err: boom}, reason: "recognizer error", cause: boom},
		{name: "empty text", tr: &fakeTranscriber{text: "   "}, reason: "no speech recognized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{Transcriber: tt.tr, StopOnRelease: true})
			h.m.HotkeyDown()
			h.expectState(t, Listening)
			h.rec.feed(t, loud(100))
			h.m.HotkeyUp()
			h.expectState(t, Transcribing)
			terr := h.expectError(t, tt.reason)
			h.expectState(t, Idle)
			if tt.cause != nil && !errors.Is(terr, tt.cause) {
				t.Errorf("error %v does not wrap %v", terr, tt.cause)
			}

			// The next press starts a fresh session.
			h.m.HotkeyDown()
			h.expectState(t, Listening)
		})
	}
}

func TestMachine_RecorderFailure(t *testing.T) {
	rec := newFakeRecorder()
	rec.err = errors.New("no such device")
	h := newHarness(t, Config{Recorder: rec, Transcriber: &fakeTranscriber{text: "x"}})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.expectState(t, Transcribing)
	terr := h.expectError(t, "recording failed")
	if !strings.Contains(terr.Error(), "no such device") {
		t.Errorf("Error() = %q, want recorder cause", terr.Error())
	}
	h.expectState(t, Idle)
}

func TestMachine_IgnoresHotkeyWhileTranscribing(t *testing.T) {
	tr := &fakeTranscriber{text: "slow", block: make(chan struct{})}
	h := newHarness(t, Config{Transcriber: tr, StopOnRelease: true, Retrigger: RetriggerStop})

	h.m.HotkeyDown()
	h.expectState(t, Listening)
	h.rec.feed(t, loud(100))
	h.m.HotkeyUp()
	h.expectState(t, Transcribing)

	h.m.HotkeyDown()
	h.m.HotkeyUp()
	h.expectNoState(t)
	if n := h.rec.started.Load(); n != 1 {
		t.Errorf("recorder started %d times while transcribing", n)
	}

	close(tr.block)
	h.expectRequest(t, "slow")
	h.expectState(t, Idle)
}

func TestMachine_RunCancelStopsRecording(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newFakeRecorder()
	m := NewMachine(Config{Recorder: rec, Transcriber: &fakeTranscriber{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.HotkeyDown()
	deadline := time.Now().Add(2 * time.Second)
	for rec.started.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recorder never started")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	select {
	case <-rec.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder not stopped after Run returned")
	}
	if got := m.State(); got != Idle {
		t.Errorf("State() = %v, want Idle", got)
	}

	// Hotkeys after shutdown are dropped, not blocked on.
	m.HotkeyDown()
}
