package prompts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultFile names the system instruction inside a prompt directory.
const DefaultFile = "default.txt"

const levelTrace = slog.Level(-8)

// ErrUnknownPrompt is returned when a request names an add-on that does
// not exist.
var ErrUnknownPrompt = errors.New("unknown prompt")

// Library is the in-memory view of a prompt directory. It is safe for
// concurrent use; Reload and Watch swap contents atomically.
type Library struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	system string
	addons map[string]string
}

// Load reads dir. A missing directory yields a library with the
// built-in system prompt and no add-ons.
func Load(dir string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{dir: dir, logger: logger.With("component", "prompts")}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir is the directory the library reads.
func (l *Library) Dir() string { return l.dir }

// Reload re-reads the directory.
func (l *Library) Reload() error {
	system := BaseSystemPrompt()
	addons := make(map[string]string)

	entries, err := os.ReadDir(l.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Debug("prompt directory not found, using built-in system prompt", "dir", l.dir)
	case err != nil:
		return fmt.Errorf("read prompt directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".txt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return fmt.Errorf("read prompt %s: %w", name, err)
		}
		text := strings.TrimSpace(string(data))
		if name == DefaultFile {
			if text != "" {
				system = text
			}
			continue
		}
		addons[strings.TrimSuffix(name, ".txt")] = text
	}

	l.mu.Lock()
	l.system = system
	l.addons = addons
	l.mu.Unlock()

	l.logger.Debug("prompts loaded", "dir", l.dir, "addons", len(addons))
	return nil
}

// System returns the system instruction.
func (l *Library) System() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.system
}

// Names lists the add-on prompts, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.addons))
	for n := range l.addons {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Request builds the text the model sees for query with the named
// add-on. An empty name means no add-on.
func (l *Library) Request(name, query string) (string, error) {
	if name == "" {
		return query, nil
	}
	l.mu.RLock()
	addon, ok := l.addons[name]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownPrompt, name)
	}
	return Compose(addon, query), nil
}

// Watch reloads the library whenever a prompt file changes, until ctx
// ends. Bursts of events within debounce collapse into one reload.
func (l *Library) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Info("watching prompt directory", "dir", l.dir)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".txt" || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Log(ctx, levelTrace, "prompt file event", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("prompt watcher error", "error", err)

		case <-timer.C:
			if err := l.Reload(); err != nil {
				l.logger.Warn("prompt reload failed", "error", err)
				continue
			}
			l.logger.Info("prompts reloaded", "addons", len(l.Names()))
		}
	}
}
