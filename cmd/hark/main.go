// Hark is a hotkey-summoned desktop agent.
//
// A key combination starts voice capture; the transcribed request is
// handed to a language model that can call tools offered by local and
// remote extension (MCP) servers until it produces an answer.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hark serve                      Run the agent
//	hark ask [-attach f] <request>  Answer one typed request and exit
//	hark trigger <down|up|press>    Send a hotkey event to a running agent
//	hark tools                      Connect to every server and list tools
//	hark history [n]                Show recent conversations
//	hark init [dir]                 Write an example config and prompts
//	hark version                    Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/hark/internal/agent"
	"github.com/nugget/hark/internal/archive"
	"github.com/nugget/hark/internal/buildinfo"
	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/controller"
	"github.com/nugget/hark/internal/hotkey"
	"github.com/nugget/hark/internal/mcp"
	"github.com/nugget/hark/internal/present"
	"github.com/nugget/hark/internal/prompts"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only gathers the process environment and hands it to run, so
// the whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	output     string // "text" or "json"
	prompt     string   // add-on prompt for ask
	attach     []string // image files for ask
	command    string
	args       []string
}

// parseArgs parses argv by hand. The flag package keeps global state,
// which gets in the way of running run concurrently in tests.
func parseArgs(args []string) (options, bool, error) {
	var o options
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(a, "-config="):
			o.configPath = strings.TrimPrefix(a, "-config=")
		case (a == "-o" || a == "--output") && i+1 < len(args):
			o.output = args[i+1]
			i++
		case strings.HasPrefix(a, "-o="):
			o.output = strings.TrimPrefix(a, "-o=")
		case strings.HasPrefix(a, "--output="):
			o.output = strings.TrimPrefix(a, "--output=")
		case a == "-prompt" && i+1 < len(args):
			o.prompt = args[i+1]
			i++
		case strings.HasPrefix(a, "-prompt="):
			o.prompt = strings.TrimPrefix(a, "-prompt=")
		case a == "-attach" && i+1 < len(args):
			o.attach = append(o.attach, args[i+1])
			i++
		case strings.HasPrefix(a, "-attach="):
			o.attach = append(o.attach, strings.TrimPrefix(a, "-attach="))
		case a == "-h" || a == "-help" || a == "--help":
			return o, true, nil
		case o.command == "" && !strings.HasPrefix(a, "-"):
			o.command = a
		case o.command != "":
			o.args = append(o.args, a)
		default:
			return o, false, fmt.Errorf("unknown flag: %s", a)
		}
	}

	if o.output == "" {
		o.output = "text"
	}
	if o.output != "text" && o.output != "json" {
		return o, false, fmt.Errorf("unknown output format: %q (expected text or json)", o.output)
	}
	return o, false, nil
}

// run is the real entry point. ctx bounds the process lifetime, stdout
// receives answers and command output, stderr receives logs, and args
// is os.Args[1:]. It returns nil on a clean exit.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	o, help, err := parseArgs(args)
	if err != nil {
		return err
	}
	if help {
		return printUsage(stdout)
	}

	switch o.command {
	case "serve":
		return runServe(ctx, stdout, stderr, o)
	case "ask":
		if len(o.args) == 0 {
			return errors.New("usage: hark ask [-prompt name] [-attach file] <request>")
		}
		return runAsk(ctx, stdout, stderr, o)
	case "trigger":
		if len(o.args) == 0 {
			return errors.New("usage: hark trigger <down|up|press> [combo]")
		}
		return runTrigger(ctx, stdout, o)
	case "tools":
		return runTools(ctx, stdout, stderr, o)
	case "history":
		return runHistory(ctx, stdout, o)
	case "init":
		dir := defaultInitDir()
		if len(o.args) > 0 {
			dir = o.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, o.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", o.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hark - hotkey desktop agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hark [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Run the agent (hotkeys, capture, MQTT)")
	fmt.Fprintln(w, "  ask <request>            Answer one typed request and exit")
	fmt.Fprintln(w, "  trigger <verb> [combo]   Send down, up or press to a running agent")
	fmt.Fprintln(w, "  tools                    Connect to every server and list its tools")
	fmt.Fprintln(w, "  history [n]              Show the n most recent conversations (default 10)")
	fmt.Fprintln(w, "  init [dir]               Write example config and prompts (default: ~/.config/hark)")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -prompt <name>    Add-on prompt for ask")
	fmt.Fprintln(w, "  -attach <file>    Image to send with ask (repeatable)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk answers one typed request without hotkeys or capture. The
// answer goes through the same controller path as a spoken request, so
// it is archived and reported the same way.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, o options) error {
	cfg, logger, err := setup(stderr, o.configPath)
	if err != nil {
		return err
	}

	registry := newRegistry(cfg, logger, nil)
	startServers(ctx, registry, cfg, logger)

	model, err := newModel(ctx, cfg, logger)
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return err
	}
	loop := agent.NewLoop(loopConfig(cfg, model, registry, logger, nil))

	lib, err := prompts.Load(cfg.Agent.PromptsDir, logger)
	if err != nil {
		_ = registry.Shutdown(context.Background())
		return err
	}

	var arch controller.Archive
	if db, store, err := openArchive(ctx, cfg.DataDir); err != nil {
		logger.Warn("conversation archive unavailable", "error", err)
	} else {
		defer db.Close()
		arch = store
	}

	ctrl := controller.New(controller.Config{
		Loop:     loop,
		Registry: registry,
		Prompts:  lib,
		Sink:     present.NewWriter(stdout, o.output, false),
		Archive:  arch,
		Logger:   logger,
	})

	_, askErr := ctrl.Ask(ctx, controller.Request{
		Text:        strings.Join(o.args, " "),
		Prompt:      o.prompt,
		Origin:      controller.OriginAsk,
		Attachments: o.attach,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if askErr != nil {
		return fmt.Errorf("ask: %w", askErr)
	}
	return nil
}

// runTrigger forwards one hotkey command to a running "hark serve".
// Without a combo the capture binding is used.
func runTrigger(ctx context.Context, stdout io.Writer, o options) error {
	cfg, _, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	verb := o.args[0]
	if verb != "down" && verb != "up" && verb != "press" {
		return fmt.Errorf("unknown trigger %q (expected down, up or press)", verb)
	}
	combo := strings.Join(o.args[1:], " ")
	if combo == "" {
		combo = cfg.Hotkeys[config.ActionCapture]
	}
	if _, err := hotkey.ParseCombo(combo); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	action, err := hotkey.Send(ctx, cfg.ControlSocket, verb+" "+combo)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if o.output == "json" {
		return json.NewEncoder(stdout).Encode(map[string]string{"action": action, "event": verb})
	}
	fmt.Fprintf(stdout, "%s %s\n", verb, action)
	return nil
}

// toolListing is the JSON shape of "hark tools".
type toolListing struct {
	Servers []mcp.ServerStatus `json:"servers"`
	Tools   []toolEntry        `json:"tools"`
}

type toolEntry struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Description string `json:"description,omitempty"`
}

// runTools connects every configured server once and prints what they
// offer.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, o options) error {
	cfg, logger, err := setup(stderr, o.configPath)
	if err != nil {
		return err
	}

	registry := newRegistry(cfg, logger, nil)
	startServers(ctx, registry, cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = registry.Shutdown(shutdownCtx)
	}()

	var listing toolListing
	listing.Servers = registry.Statuses()
	for _, t := range registry.Catalog().Tools() {
		listing.Tools = append(listing.Tools, toolEntry{Name: t.Name, Server: t.Server, Description: t.Description})
	}
	return printTools(stdout, o.output, listing)
}

func printTools(w io.Writer, format string, listing toolListing) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tTOOLS\tERROR")
	for _, s := range listing.Servers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name, s.State, s.Tools, s.LastError)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
	for _, t := range listing.Tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Server, firstLine(t.Description))
	}
	return tw.Flush()
}

// runHistory prints archived conversations, newest first.
func runHistory(ctx context.Context, stdout io.Writer, o options) error {
	n := 10
	if len(o.args) > 0 {
		v, err := strconv.Atoi(o.args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid count %q", o.args[0])
		}
		n = v
	}

	cfg, _, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	db, store, err := openArchive(ctx, cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	return printHistory(stdout, o.output, records)
}

func printHistory(w io.Writer, format string, records []archive.Record) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range records {
		fmt.Fprintf(w, "%s  %-18s %-7s %5.1fs  %s\n",
			r.Started.Local().Format("2006-01-02 15:04:05"), r.Outcome, r.Origin, r.Elapsed.Seconds(), r.Request)
		switch {
		case r.Answer != "":
			fmt.Fprintf(w, "    %s\n", firstLine(present.PlainText(r.Answer)))
		case r.Error != "":
			fmt.Fprintf(w, "    error: %s\n", r.Error)
		}
	}
	return nil
}

// setup loads and validates the config and builds the logger for it.
func setup(logOut io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// newLogger creates the process logger. Format is "text" or "json";
// anything else means text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the config file. An explicit path must
// exist; otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// openArchive opens (creating if needed) the conversation database in
// dataDir.
func openArchive(ctx context.Context, dataDir string) (*sql.DB, *archive.Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	store, err := archive.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
