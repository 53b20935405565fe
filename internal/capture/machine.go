// Package capture implements the hotkey-driven voice capture state
// machine: Idle, Listening, Transcribing, and back to Idle.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/hark/internal/events"
)

// State is the capture machine state.
type State int32

const (
	Idle State = iota
	Listening
	Transcribing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Retrigger policies for a capture hotkey press while a session is
// active.
const (
	RetriggerIgnore = "ignore"
	RetriggerStop   = "stop"
)

// TranscriptionError reports a capture session that produced no request:
// no audio, a recorder or recognizer failure, or no recognized text.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription failed: %s: %v", e.Reason, e.Err)
	}
	return "transcription failed: " + e.Reason
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Session is one capture from hotkey-down to emitted text or error.
type Session struct {
	ID      int
	State   State
	Started time.Time
	Samples []int16
}

// Config configures a Machine.
type Config struct {
	Recorder    Recorder
	Transcriber Transcriber

	SampleRate       int
	SilenceThreshold float64
	SilenceDuration  time.Duration
	MaxDuration      time.Duration
	StopOnRelease    bool
	Retrigger        string

	// OnRequest receives recognized text. OnError receives every
	// *TranscriptionError. OnState sees each state change. All three
	// are called from the machine goroutine and must not block for long.
	OnRequest func(text string)
	OnError   func(err error)
	OnState   func(State)

	Logger *slog.Logger
	Events *events.Bus
}

type eventKind int

const (
	evDown eventKind = iota
	evUp
	evFrame
	evRecordDone
	evTranscribed
)

type event struct {
	kind    eventKind
	session int
	frame   []int16
	text    string
	err     error
}

// Machine serializes hotkey events and capture progress through a single
// event loop. At most one Session exists at a time.
type Machine struct {
	cfg    Config
	logger *slog.Logger
	events chan event
	done   chan struct{}
	state  atomic.Int32

	// Owned by the Run goroutine.
	ctx         context.Context
	session     *Session
	nextID      int
	stopRecord  context.CancelFunc
	silence     silenceDetector
	recordError error
}

// NewMachine creates an idle machine. Call Run to start processing.
func NewMachine(cfg Config) *Machine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 500
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = 1500 * time.Millisecond
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 10 * time.Second
	}
	if cfg.Retrigger == "" {
		cfg.Retrigger = RetriggerIgnore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:    cfg,
		logger: logger.With("component", "capture"),
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// HotkeyDown delivers a capture hotkey press.
func (m *Machine) HotkeyDown() { m.post(event{kind: evDown}) }

// HotkeyUp delivers a capture hotkey release.
func (m *Machine) HotkeyUp() { m.post(event{kind: evUp}) }

func (m *Machine) post(e event) bool {
	select {
	case m.events <- e:
		return true
	case <-m.done:
		return false
	}
}

// Run processes events until ctx ends. Any active recording and
// transcription are cancelled on the way out.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	m.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			if m.stopRecord != nil {
				m.stopRecord()
			}
			m.session = nil
			m.setState(Idle)
			return ctx.Err()
		case e := <-m.events:
			m.handle(e)
		}
	}
}

func (m *Machine) handle(e event) {
	s := m.session
	if e.kind >= evFrame && (s == nil || e.session != s.ID) {
		// Late news from a finished session.
		return
	}

	switch m.State() {
	case Idle:
		if e.kind == evDown {
			m.startListening()
		}

	case Listening:
		switch e.kind {
		case evDown:
			if m.cfg.Retrigger == RetriggerStop {
				m.stopListening("retrigger")
			} else {
				m.logger.Debug("capture already listening, ignoring hotkey")
			}
		case evUp:
			if m.cfg.StopOnRelease {
				m.stopListening("released")
			}
		case evFrame:
			m.addFrame(e.frame)
		case evRecordDone:
			m.stopRecord = nil
			m.recordError = e.err
			m.stopListening("recorder ended")
		}

	case Transcribing:
		switch e.kind {
		case evDown:
			m.logger.Debug("capture busy transcribing, ignoring hotkey")
		case evTranscribed:
			m.finish(e.text, e.err)
		}
	}
}

func (m *Machine) startListening() {
	m.nextID++
	s := &Session{ID: m.nextID, State: Listening, Started: time.Now()}
	m.session = s
	m.silence = silenceDetector{threshold: m.cfg.SilenceThreshold, hold: m.cfg.SilenceDuration}
	m.recordError = nil
	m.setState(Listening)

	if m.cfg.Recorder == nil {
		m.recordError = errors.New("no recorder configured")
		m.stopListening("no recorder")
		return
	}

	recCtx, cancel := context.WithCancel(m.ctx)
	m.stopRecord = cancel
	id := s.ID
	go func() {
		err := m.cfg.Recorder.Record(recCtx, m.cfg.SampleRate, func(frame []int16) {
			m.post(event{kind: evFrame, session: id, frame: frame})
		})
		m.post(event{kind: evRecordDone, session: id, err: err})
	}()
	m.logger.Debug("capture listening", "session", id)
}

func (m *Machine) addFrame(frame []int16) {
	s := m.session
	s.Samples = append(s.Samples, frame...)

	length := time.Duration(len(frame)) * time.Second / time.Duration(m.cfg.SampleRate)
	switch {
	case m.silence.feed(frame, length):
		m.stopListening("silence")
	case Audio{SampleRate: m.cfg.SampleRate, Samples: s.Samples}.Duration() >= m.cfg.MaxDuration:
		m.stopListening("max duration")
	}
}

// stopListening ends recording and hands the buffer to the transcriber.
func (m *Machine) stopListening(reason string) {
	if m.stopRecord != nil {
		m.stopRecord()
		m.stopRecord = nil
	}
	s := m.session
	audio := Audio{SampleRate: m.cfg.SampleRate, Samples: s.Samples}
	m.logger.Debug("capture stopped", "session", s.ID, "reason", reason, "audio", audio.Duration())

	s.State = Transcribing
	m.setState(Transcribing)

	if audio.Empty() {
		if m.recordError != nil {
			m.finish("", &TranscriptionError{Reason: "recording failed", Err: m.recordError})
		} else {
			m.finish("", &TranscriptionError{Reason: "no audio captured"})
		}
		return
	}
	if m.cfg.Transcriber == nil {
		m.finish("", &TranscriptionError{Reason: "no transcriber configured"})
		return
	}

	id := s.ID
	ctx := m.ctx
	go func() {
		text, err := m.cfg.Transcriber.Transcribe(ctx, audio)
		m.post(event{kind: evTranscribed, session: id, text: text, err: err})
	}()
}

func (m *Machine) finish(text string, err error) {
	text = strings.TrimSpace(text)
	var terr *TranscriptionError
	switch {
	case err != nil && !errors.As(err, &terr):
		terr = &TranscriptionError{Reason: "recognizer error", Err: err}
	case err == nil && text == "":
		terr = &TranscriptionError{Reason: "no speech recognized"}
	}

	m.session = nil
	m.setState(Idle)

	if terr != nil {
		m.logger.Info("capture produced no request", "reason", terr.Reason, "error", terr.Err)
		if m.cfg.OnError != nil {
			m.cfg.OnError(terr)
		}
		return
	}
	m.logger.Info("capture recognized request", "chars", len(text))
	if m.cfg.OnRequest != nil {
		m.cfg.OnRequest(text)
	}
}

func (m *Machine) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
	m.cfg.Events.Emit(events.SourceCapture, events.KindCaptureState, map[string]any{"state": s.String()})
}
