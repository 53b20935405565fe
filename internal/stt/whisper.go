// Package stt adapts hosted speech-to-text services to capture.Transcriber.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nugget/hark/internal/capture"
	"github.com/nugget/hark/internal/httpkit"
)

// WhisperConfig configures a WhisperTranscriber.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string // default whisper-1
	Language string // ISO-639-1 hint; empty lets the service detect
	Logger   *slog.Logger
}

// WhisperTranscriber sends audio to the OpenAI transcription endpoint or
// a compatible server such as a local whisper.cpp.
type WhisperTranscriber struct {
	client   openai.Client
	model    string
	language string
	logger   *slog.Logger
}

var _ capture.Transcriber = (*WhisperTranscriber)(nil)

// NewWhisperTranscriber creates a transcriber.
func NewWhisperTranscriber(cfg WhisperConfig) *WhisperTranscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(2*time.Minute), httpkit.WithLogger(logger))),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &WhisperTranscriber{
		client:   openai.NewClient(opts...),
		model:    model,
		language: cfg.Language,
		logger:   logger.With("component", "stt", "model", model),
	}
}

// Transcribe uploads the audio as a WAV file and returns the recognized
// text, trimmed.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio capture.Audio) (string, error) {
	if audio.Empty() {
		return "", fmt.Errorf("transcribe: no audio")
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio.WAV()), "audio.wav", "audio/wav"),
		Model: openai.AudioModel(w.model),
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}

	start := time.Now()
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("transcription complete",
		"audio", audio.Duration(),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"chars", len(text),
	)
	return text, nil
}
