// Package controller coordinates requests: it turns capture results and
// typed requests into conversations, runs at most one at a time through
// the reasoning loop, and reports what happened to the presentation
// sink.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/hark/internal/agent"
	"github.com/nugget/hark/internal/archive"
	"github.com/nugget/hark/internal/capture"
	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/present"
)

var (
	// ErrBusy is returned when a conversation is already running and the
	// request was neither run nor queued.
	ErrBusy = errors.New("another request is in progress")

	// ErrShuttingDown is returned for requests made after Shutdown.
	ErrShuttingDown = errors.New("shutting down")
)

// Origins of a request.
const (
	OriginCapture = "capture"
	OriginAsk     = "ask"
	OriginMQTT    = "mqtt"
)

// Request is one user request.
type Request struct {
	Text   string
	Prompt string // add-on prompt name; empty for none
	Origin string

	// Attachments are image file paths sent to the model with Text.
	Attachments []string
}

// Runner runs a conversation to completion. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, conv *agent.Conversation, status agent.StatusFunc) (agent.FinalAnswer, error)
}

// Registry is the part of the server registry the controller owns the
// lifecycle of.
type Registry interface {
	Shutdown(ctx context.Context) error
}

// Prompts supplies the system instruction and add-on composition.
type Prompts interface {
	System() string
	Request(name, query string) (string, error)
}

// Archive records finished conversations.
type Archive interface {
	Save(ctx context.Context, rec archive.Record) error
}

// Config wires a Controller.
type Config struct {
	Loop     Runner
	Registry Registry
	Prompts  Prompts
	Sink     present.Sink
	Archive  Archive // optional

	BusyPolicy    string // config.BusyReject or config.BusyQueue
	QueueSize     int
	DefaultPrompt string // add-on applied to capture requests

	Logger *slog.Logger
	Events *events.Bus
}

// Controller owns the single active-conversation slot.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	busy    bool
	active  *agent.Conversation
	queue   []Request
	closing bool
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = present.Discard{}
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = config.BusyReject
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "controller"),
		base:       base,
		cancelBase: cancel,
	}
}

// TryAcquire claims the conversation slot without waiting. On success
// the caller must call release exactly once; Shutdown waits for it.
func (c *Controller) TryAcquire() (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.busy {
		return nil, false
	}
	c.busy = true
	c.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.busy = false
			c.active = nil
			c.mu.Unlock()
			c.wg.Done()
		})
	}, true
}

// Busy reports whether a conversation is running.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Active returns the running conversation's ID.
func (c *Controller) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.ID.String(), true
}

// Submit starts req in the background. When busy it is queued under the
// queue policy (nil error) or refused with ErrBusy.
func (c *Controller) Submit(req Request) error {
	c.mu.Lock()
	switch {
	case c.closing:
		c.mu.Unlock()
		return ErrShuttingDown
	case !c.busy:
		c.busy = true
		c.wg.Add(1)
		c.mu.Unlock()
		go c.serve(req)
		return nil
	case c.cfg.BusyPolicy == config.BusyQueue && len(c.queue) < c.cfg.QueueSize:
		c.queue = append(c.queue, req)
		depth := len(c.queue)
		c.mu.Unlock()
		c.logger.Info("request queued", "origin", req.Origin, "depth", depth)
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("request rejected, busy", "origin", req.Origin, "policy", c.cfg.BusyPolicy)
	c.cfg.Events.Emit(events.SourceController, events.KindRequestRejected, map[string]any{
		"origin": req.Origin, "policy": c.cfg.BusyPolicy,
	})
	return ErrBusy
}

// serve runs req and then drains the queue. It holds the slot
// throughout.
func (c *Controller) serve(req Request) {
	defer c.wg.Done()
	for {
		_, _ = c.run(c.base, req)

		c.mu.Lock()
		if c.closing || len(c.queue) == 0 {
			c.busy = false
			c.active = nil
			c.mu.Unlock()
			return
		}
		req = c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
	}
}

// Ask runs req in the calling goroutine and returns its answer. It
// never queues.
func (c *Controller) Ask(ctx context.Context, req Request) (agent.FinalAnswer, error) {
	release, ok := c.TryAcquire()
	if !ok {
		if c.isClosing() {
			return agent.FinalAnswer{}, ErrShuttingDown
		}
		return agent.FinalAnswer{}, ErrBusy
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	return c.run(ctx, req)
}

func (c *Controller) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// run executes one conversation. The caller holds the slot.
func (c *Controller) run(ctx context.Context, req Request) (agent.FinalAnswer, error) {
	sink := c.cfg.Sink

	text, err := c.cfg.Prompts.Request(req.Prompt, req.Text)
	if err != nil {
		sink.Error(ctx, err.Error())
		return agent.FinalAnswer{}, err
	}
	images, err := loadAttachments(req.Attachments, c.logger)
	if err != nil {
		sink.Error(ctx, err.Error())
		return agent.FinalAnswer{}, err
	}
	conv := agent.NewConversation(req.Text, text, c.cfg.Prompts.System(), req.Origin, images...)

	c.mu.Lock()
	c.active = conv
	c.mu.Unlock()

	logger := c.logger.With("conversation", conv.ID.String(), "origin", req.Origin)
	logger.Info("request started", "request", req.Text, "prompt", req.Prompt, "attachments", len(images))
	c.cfg.Events.Emit(events.SourceController, events.KindRequestStart, map[string]any{
		"conversation_id": conv.ID.String(), "origin": req.Origin,
	})

	answer, err := c.cfg.Loop.Run(ctx, conv, func(status string) { sink.Status(ctx, status) })
	elapsed := time.Since(conv.Started)

	rec := archive.FromConversation(conv, err, elapsed)
	c.cfg.Events.Emit(events.SourceController, events.KindRequestComplete, map[string]any{
		"conversation_id": conv.ID.String(), "outcome": rec.Outcome, "turns": conv.Len(), "elapsed_ms": elapsed.Milliseconds(),
	})

	if c.cfg.Archive != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if serr := c.cfg.Archive.Save(saveCtx, rec); serr != nil {
			logger.Warn("failed to archive conversation", "error", serr)
		}
		cancel()
	}

	if err != nil {
		logger.Warn("request failed", "outcome", rec.Outcome, "error", err, "elapsed", elapsed.Round(time.Millisecond))
		sink.Error(ctx, summarize(err))
	} else {
		logger.Info("request answered", "turns", conv.Len(), "elapsed", elapsed.Round(time.Millisecond))
		sink.Answer(ctx, present.Answer{
			ConversationID: conv.ID.String(),
			Request:        req.Text,
			Text:           answer.Text,
			Elapsed:        elapsed,
		})
	}
	sink.Status(ctx, present.StatusIdle)
	return answer, err
}

// summarize phrases a conversation-ending error for the user.
func summarize(err error) string {
	var (
		exceeded  *agent.LoopExceeded
		violation *agent.ModelProtocolViolation
	)
	switch {
	case errors.As(err, &exceeded):
		return "Gave up: " + exceeded.Error()
	case errors.As(err, &violation):
		return "The model returned an unusable reply (" + violation.Reason + ")"
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	}
	return fmt.Sprintf("Request failed: %v", err)
}

// HandleCapture submits recognized speech. Rejections are reported to
// the sink since nobody is waiting on a return value.
func (c *Controller) HandleCapture(text string) {
	err := c.Submit(Request{Text: text, Prompt: c.cfg.DefaultPrompt, Origin: OriginCapture})
	switch {
	case errors.Is(err, ErrBusy):
		c.cfg.Sink.Error(c.base, "Still working on the previous request; ignored: "+text)
	case err != nil:
		c.logger.Debug("capture request dropped", "error", err)
	}
}

// HandleCaptureError reports a capture that produced no request.
func (c *Controller) HandleCaptureError(err error) {
	var terr *capture.TranscriptionError
	if errors.As(err, &terr) && terr.Err == nil {
		c.cfg.Sink.Error(c.base, "Didn't catch that: "+terr.Reason)
		return
	}
	c.cfg.Sink.Error(c.base, err.Error())
}

// HandleCaptureState mirrors capture progress as sink status. Idle is
// only shown when no conversation is running.
func (c *Controller) HandleCaptureState(s capture.State) {
	switch s {
	case capture.Listening:
		c.cfg.Sink.Status(c.base, present.StatusListening)
	case capture.Transcribing:
		c.cfg.Sink.Status(c.base, present.StatusTranscribing)
	case capture.Idle:
		if !c.Busy() {
			c.cfg.Sink.Status(c.base, present.StatusIdle)
		}
	}
}

// ToggleWindow forwards the window hotkey. It never touches capture or
// conversation state.
func (c *Controller) ToggleWindow() {
	c.cfg.Sink.ToggleWindow(c.base)
}

// Shutdown cancels the running conversation (and with it every pending
// tool invocation), drops queued requests, waits for the conversation to
// unwind, and shuts the registry down. ctx bounds the whole sequence.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Info("dropping queued requests", "count", dropped)
	}
	c.cancelBase()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("conversation still unwinding at shutdown deadline")
	}

	if c.cfg.Registry == nil {
		return nil
	}
	if err := c.cfg.Registry.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown registry: %w", err)
	}
	return nil
}
