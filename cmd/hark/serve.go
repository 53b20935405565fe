package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/hark/internal/agent"
	"github.com/nugget/hark/internal/buildinfo"
	"github.com/nugget/hark/internal/capture"
	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/connwatch"
	"github.com/nugget/hark/internal/controller"
	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/hotkey"
	"github.com/nugget/hark/internal/llm"
	"github.com/nugget/hark/internal/mcp"
	"github.com/nugget/hark/internal/mqtt"
	"github.com/nugget/hark/internal/present"
	"github.com/nugget/hark/internal/prompts"
	"github.com/nugget/hark/internal/stt"
)

// runServe runs the agent until SIGINT or SIGTERM: extension servers,
// the control socket for hotkeys, voice capture, and the optional MQTT
// presence.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, o options) error {
	cfg, logger, err := setup(stderr, o.configPath)
	if err != nil {
		return err
	}
	logger.Info("starting hark", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	bindings, err := hotkey.ParseBindings(cfg.Hotkeys, config.ActionCapture, config.ActionToggleWindow)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	// Everything that can fail without side effects happens before any
	// server is launched.
	var instanceID string
	if cfg.MQTT.Configured() {
		if instanceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir); err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	go logEvents(ctx, bus, logger)

	// --- Extension servers ---
	registry := newRegistry(cfg, logger, bus)
	startServers(ctx, registry, cfg, logger)

	// --- Reasoning ---
	model, err := newModel(ctx, cfg, logger)
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return err
	}
	loop := agent.NewLoop(loopConfig(cfg, model, registry, logger, bus))

	lib, err := prompts.Load(cfg.Agent.PromptsDir, logger)
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return err
	}
	if cfg.Agent.DefaultPrompt != "" {
		if _, err := lib.Request(cfg.Agent.DefaultPrompt, ""); err != nil {
			logger.Warn("default prompt not found; capture requests will fail until it exists",
				"prompt", cfg.Agent.DefaultPrompt, "dir", lib.Dir())
		}
	}

	var arch controller.Archive
	if db, store, err := openArchive(ctx, cfg.DataDir); err != nil {
		logger.Warn("conversation archive unavailable", "error", err)
	} else {
		defer db.Close()
		arch = store
	}

	// --- Presentation ---
	sinks := present.Multi{present.NewWriter(stdout, o.output, true)}

	// The controller does not exist yet when the MQTT request handler is
	// built; requests can only arrive after Start, by which time it does.
	var ctrl *controller.Controller
	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, instanceID, func(text string) {
			if err := ctrl.Submit(controller.Request{Text: text, Origin: controller.OriginMQTT}); err != nil {
				logger.Info("mqtt request not accepted", "error", err)
			}
		}, logger)
		sinks = append(sinks, present.MQTTSink{Publisher: pub})
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "client_id", cfg.MQTT.ClientID)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	ctrl = controller.New(controller.Config{
		Loop:          loop,
		Registry:      registry,
		Prompts:       lib,
		Sink:          sinks,
		Archive:       arch,
		BusyPolicy:    cfg.Agent.BusyPolicy,
		QueueSize:     cfg.Agent.QueueSize,
		DefaultPrompt: cfg.Agent.DefaultPrompt,
		Logger:        logger,
		Events:        bus,
	})

	// --- Capture ---
	machine := capture.NewMachine(capture.Config{
		Recorder: &capture.CommandRecorder{
			Command: cfg.Capture.Recorder.Command,
			Args:    cfg.Capture.Recorder.Args,
			Logger:  logger,
		},
		Transcriber:      newTranscriber(cfg, logger),
		SampleRate:       cfg.Capture.SampleRate,
		SilenceThreshold: cfg.Capture.SilenceThreshold,
		SilenceDuration:  cfg.Capture.SilenceDuration,
		MaxDuration:      cfg.Capture.MaxDuration,
		StopOnRelease:    cfg.Capture.ReleaseStops(),
		Retrigger:        cfg.Capture.Retrigger,
		OnRequest:        ctrl.HandleCapture,
		OnError:          ctrl.HandleCaptureError,
		OnState:          ctrl.HandleCaptureState,
		Logger:           logger,
		Events:           bus,
	})

	listener := &hotkey.Listener{
		Path:     cfg.ControlSocket,
		Bindings: bindings,
		Handler:  hotkeyHandler(machine, ctrl),
		Logger:   logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := machine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("capture: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := listener.Serve(gctx); err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		return nil
	})
	if _, err := os.Stat(lib.Dir()); err == nil {
		g.Go(func() error {
			if err := lib.Watch(gctx, 250*time.Millisecond); err != nil {
				logger.Warn("prompt watcher stopped", "error", err)
			}
			return nil
		})
	}

	var watch *connwatch.Manager
	if pub != nil {
		g.Go(func() error {
			if err := pub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		watch = connwatch.NewManager(logger)
		watch.Watch(gctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pctx context.Context) error {
				return pub.AwaitConnection(pctx)
			},
			Interval:     time.Minute,
			ProbeTimeout: 2 * time.Second,
			OnReady:      func() { pub.PublishStatus(gctx, present.StatusIdle) },
			Logger:       logger,
		})
	}

	logger.Info("hark ready",
		"socket", cfg.ControlSocket,
		"capture", cfg.Hotkeys[config.ActionCapture],
		"model", cfg.Models.Default,
		"tools", registry.Catalog().Len(),
	)
	sinks.Status(ctx, present.StatusIdle)

	runErr := g.Wait()
	if id, ok := ctrl.Active(); ok {
		logger.Info("shutting down, cancelling active conversation", "conversation", id)
	} else {
		logger.Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if watch != nil {
		watch.Stop()
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if pub != nil {
		if err := pub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("hark stopped")
	return runErr
}

// hotkeyHandler routes bound key events. The capture key drives the
// capture machine; the window key only ever reaches the sinks.
func hotkeyHandler(machine *capture.Machine, ctrl *controller.Controller) hotkey.Handler {
	return func(ev hotkey.Event) {
		switch ev.Action {
		case config.ActionCapture:
			if ev.Kind == hotkey.Down {
				machine.HotkeyDown()
			} else {
				machine.HotkeyUp()
			}
		case config.ActionToggleWindow:
			if ev.Kind == hotkey.Down {
				ctrl.ToggleWindow()
			}
		}
	}
}

// logEvents mirrors the event bus into the debug log.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			attrs := []any{"source", e.Source, "kind", e.Kind}
			keys := make([]string, 0, len(e.Data))
			for k := range e.Data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, k, e.Data[k])
			}
			logger.Debug("event", attrs...)
		}
	}
}

// newRegistry builds the server registry from the registry section.
func newRegistry(cfg *config.Config, logger *slog.Logger, bus *events.Bus) *mcp.Registry {
	rg := cfg.Registry
	return mcp.NewRegistry(mcp.RegistryConfig{
		Logger:         logger,
		Events:         bus,
		MaxParallel:    rg.MaxParallelConnects,
		ConnectTimeout: rg.ConnectTimeout,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: rg.BackoffInitial,
			MaxDelay:     rg.BackoffMax,
			Multiplier:   2,
			MaxRetries:   rg.MaxReconnects,
		},
		HealthInterval: rg.HealthInterval,
	})
}

// startServers connects every configured server and logs the outcome.
// Failures are not fatal; the agent runs with whatever connected.
func startServers(ctx context.Context, registry *mcp.Registry, cfg *config.Config, logger *slog.Logger) {
	if len(cfg.Servers) == 0 {
		logger.Info("no extension servers configured")
		return
	}
	for _, r := range registry.Start(ctx, mcpServers(cfg.Servers)) {
		if r.Err != nil {
			logger.Warn("extension server failed to start", "server", r.Server, "error", r.Err)
			continue
		}
		logger.Info("extension server connected", "server", r.Server, "tools", r.Tools)
	}
}

// mcpServers converts config entries to registry descriptors.
func mcpServers(servers []config.ServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(servers))
	for _, s := range servers {
		env := make([]string, 0, len(s.Env))
		for k, v := range s.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		out = append(out, mcp.ServerConfig{
			Name:         s.Name,
			Transport:    s.Transport,
			Command:      s.Command,
			Args:         s.Args,
			Env:          env,
			URL:          s.URL,
			Headers:      s.Headers,
			Timeout:      s.Timeout,
			IncludeTools: s.IncludeTools,
			ExcludeTools: s.ExcludeTools,
		})
	}
	return out
}

// newModel builds the reasoning model for cfg.Models.Default.
func newModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Model, error) {
	client, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return agent.NewLLMModel(client, cfg.Models.Default, logger), nil
}

// createLLMClient registers every configured provider with a
// MultiClient. The selected provider is the fallback, so the default
// model and any unmapped model go to it.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := map[string]llm.Client{
		"ollama": llm.NewOllamaClient(cfg.Models.OllamaURL, logger),
	}
	if cfg.Gemini.APIKey != "" {
		geminiModel := "gemini-2.0-flash"
		if cfg.Models.Provider == "gemini" {
			geminiModel = cfg.Models.Default
		}
		gc, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:       cfg.Gemini.APIKey,
			DefaultModel: geminiModel,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		providers["gemini"] = gc
	}
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		providers["openai"] = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Logger:  logger,
		})
	}

	fallback, ok := providers[cfg.Models.Provider]
	if !ok {
		return nil, fmt.Errorf("model provider %q is not configured", cfg.Models.Provider)
	}
	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	multi.AddModel(cfg.Models.Default, cfg.Models.Provider)

	// An unreachable backend is not fatal; it may come up later.
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := multi.Ping(pingCtx); err != nil {
		logger.Warn("model backend not reachable", "error", err)
	}

	logger.Info("model client initialized", "provider", cfg.Models.Provider, "model", cfg.Models.Default, "providers", multi.Providers())
	return multi, nil
}

func loopConfig(cfg *config.Config, model agent.Model, tools agent.Tools, logger *slog.Logger, bus *events.Bus) agent.Config {
	return agent.Config{
		Model:         model,
		Tools:         tools,
		Logger:        logger,
		Events:        bus,
		MaxIterations: cfg.Agent.MaxIterations,
		MaxDuration:   cfg.Agent.MaxDuration,
		ToolTimeout:   cfg.Agent.ToolTimeout,
	}
}

// newTranscriber returns nil when speech recognition is disabled; the
// capture machine then reports every recording as untranscribable.
func newTranscriber(cfg *config.Config, logger *slog.Logger) capture.Transcriber {
	if cfg.STT.Provider != "openai" {
		logger.Info("speech recognition disabled", "provider", cfg.STT.Provider)
		return nil
	}
	return stt.NewWhisperTranscriber(stt.WhisperConfig{
		APIKey:   cfg.STT.APIKey,
		BaseURL:  cfg.STT.BaseURL,
		Model:    cfg.STT.Model,
		Language: cfg.STT.Language,
		Logger:   logger,
	})
}
