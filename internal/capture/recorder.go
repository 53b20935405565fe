package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Recorder streams microphone audio. Record blocks, calling emit for each
// frame, until ctx ends (a normal stop, reported as nil) or the source
// fails or runs out.
type Recorder interface {
	Record(ctx context.Context, sampleRate int, emit func(frame []int16)) error
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// CommandRecorder reads raw little-endian 16-bit mono PCM from the
// stdout of an external command such as arecord. "{rate}" in Args is
// replaced with the sample rate.
type CommandRecorder struct {
	Command string
	Args    []string

	// FrameDuration sets how much audio each emitted frame holds.
	FrameDuration time.Duration
	Logger        *slog.Logger
}

// Record runs the command until ctx ends.
func (r *CommandRecorder) Record(ctx context.Context, sampleRate int, emit func([]int16)) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	frameDur := r.FrameDuration
	if frameDur <= 0 {
		frameDur = 100 * time.Millisecond
	}
	samples := int(int64(sampleRate) * int64(frameDur) / int64(time.Second))
	if samples <= 0 {
		samples = 1
	}

	args := make([]string, len(r.Args))
	for i, a := range r.Args {
		args[i] = strings.ReplaceAll(a, "{rate}", strconv.Itoa(sampleRate))
	}
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recorder stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder %s: %w", r.Command, err)
	}
	logger.Debug("recorder started", "command", r.Command, "pid", cmd.Process.Pid, "sample_rate", sampleRate)

	buf := make([]byte, samples*2)
	var readErr error
	for {
		n, err := io.ReadFull(stdout, buf)
		if n >= 2 {
			frame := make([]int16, n/2)
			_, _ = binary.Decode(buf[:n/2*2], binary.LittleEndian, frame)
			emit(frame)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("read audio: %w", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("recorder %s: %w: %s", r.Command, waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}
