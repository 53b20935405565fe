package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/nugget/hark/internal/defaults"
)

// defaultInitDir is where "hark init" writes when no directory is
// given: the second entry of the config search path.
func defaultInitDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "hark")
	}
	return "."
}

// runInit writes an example config.yaml and the shipped prompts into
// dir. Existing files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing hark in %s\n", dir)

	promptDir := filepath.Join(dir, "prompts")
	if err := os.MkdirAll(promptDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", promptDir, err)
	}

	// The config may hold API keys.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	err := fs.WalkDir(defaults.Prompts, "prompts", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".txt" {
			return nil
		}
		content, err := defaults.Prompts.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		return writeIfMissing(w, filepath.Join(promptDir, d.Name()), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install prompts: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to add extension servers and model credentials.")
	fmt.Fprintln(w, "prompts/default.txt is the system instruction; other .txt files are add-ons for ask -prompt.")
	return nil
}

// writeIfMissing writes content to p with mode unless p already exists.
func writeIfMissing(w io.Writer, p string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(p); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", p)
		return nil
	}
	if err := os.WriteFile(p, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", p)
	return nil
}
