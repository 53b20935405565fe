// Package config handles hark configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given: ./config.yaml,
// ~/.config/hark/config.yaml, /etc/hark/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hark", "config.yaml"))
	}
	return append(paths, "/etc/hark/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %s)", strings.Join(DefaultSearchPaths(), ", "))
}

// Hotkey action names.
const (
	ActionCapture      = "capture"
	ActionToggleWindow = "toggle_window"
)

// Config is the top-level hark configuration.
type Config struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	DataDir       string `yaml:"data_dir"`
	ControlSocket string `yaml:"control_socket"`

	// ServersFile optionally names a JSON file in the widely used
	// {"mcpServers": {...}} layout. Its servers register after the
	// ones listed under Servers, in file order.
	ServersFile string `yaml:"servers_file"`

	// Hotkeys maps an action (capture, toggle_window) to a key
	// combination such as "<ctrl>+<alt>+<shift>+t".
	Hotkeys map[string]string `yaml:"hotkeys"`

	Capture  CaptureConfig  `yaml:"capture"`
	STT      STTConfig      `yaml:"stt"`
	Models   ModelsConfig   `yaml:"models"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Agent    AgentConfig    `yaml:"agent"`
	Registry RegistryConfig `yaml:"registry"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Servers  []ServerConfig `yaml:"servers"`
}

// CaptureConfig controls voice capture.
type CaptureConfig struct {
	// StopOnRelease ends listening when the capture hotkey is released.
	// Nil means true.
	StopOnRelease *bool `yaml:"stop_on_release"`

	// Retrigger is "ignore" (a second press while busy does nothing) or
	// "stop" (a second press while listening ends the recording).
	Retrigger string `yaml:"retrigger"`

	SampleRate       int            `yaml:"sample_rate"`
	SilenceThreshold float64        `yaml:"silence_threshold"` // RMS of int16 samples
	SilenceDuration  time.Duration  `yaml:"silence_duration"`
	MaxDuration      time.Duration  `yaml:"max_duration"`
	Recorder         RecorderConfig `yaml:"recorder"`
}

// ReleaseStops reports whether hotkey release ends a recording.
func (c CaptureConfig) ReleaseStops() bool {
	return c.StopOnRelease == nil || *c.StopOnRelease
}

// RecorderConfig names the external command that writes raw signed
// 16-bit little-endian mono PCM to stdout.
type RecorderConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// STTConfig selects the speech-to-text backend.
type STTConfig struct {
	Provider string `yaml:"provider"` // openai or none
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language"`
}

// ModelsConfig selects the reasoning backend.
type ModelsConfig struct {
	Provider  string `yaml:"provider"` // ollama, gemini, openai
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
}

// GeminiConfig holds Google Gemini credentials.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig holds credentials for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Busy policies for a trigger that arrives during a conversation.
const (
	BusyReject = "reject"
	BusyQueue  = "queue"
)

// AgentConfig bounds the reasoning loop and sets controller policy.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	BusyPolicy    string        `yaml:"busy_policy"`
	QueueSize     int           `yaml:"queue_size"`
	PromptsDir    string        `yaml:"prompts_dir"`
	DefaultPrompt string        `yaml:"default_prompt"`
}

// RegistryConfig controls extension server lifecycle.
type RegistryConfig struct {
	MaxParallelConnects int           `yaml:"max_parallel_connects"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	MaxReconnects       int           `yaml:"max_reconnects"`
	BackoffInitial      time.Duration `yaml:"backoff_initial"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	HealthInterval      time.Duration `yaml:"health_interval"`
}

// MQTTConfig enables status publishing when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`

	// DiscoveryPrefix, when set, publishes Home Assistant discovery
	// configs so status and answers show up as sensors.
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// AcceptRequests subscribes to <topic_prefix>/<client_id>/request;
	// each payload becomes a typed request.
	AcceptRequests bool `yaml:"accept_requests"`
}

// Configured reports whether a broker was given.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Extension server transports.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// ServerConfig describes one extension server.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// stdio
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// http, sse, websocket
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds the handshake, discovery and each tool call on
	// this server. Zero uses registry.connect_timeout and
	// agent.tool_timeout.
	Timeout time.Duration `yaml:"timeout"`

	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references, merging servers_file, and filling defaults. The result is
// not validated; call Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ServersFile != "" {
		file := expandHome(cfg.ServersFile)
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		servers, err := LoadServersFile(file)
		if err != nil {
			return nil, err
		}
		cfg.Servers = append(cfg.Servers, servers...)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// extension servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.local/share/hark"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.ControlSocket == "" {
		c.ControlSocket = filepath.Join(c.DataDir, "hark.sock")
	}
	c.ControlSocket = expandHome(c.ControlSocket)

	if c.Hotkeys == nil {
		c.Hotkeys = map[string]string{
			ActionCapture:      "<ctrl>+<alt>+<shift>+t",
			ActionToggleWindow: "<f4>",
		}
	}

	cp := &c.Capture
	if cp.Retrigger == "" {
		cp.Retrigger = "ignore"
	}
	if cp.SampleRate == 0 {
		cp.SampleRate = 16000
	}
	if cp.SilenceThreshold == 0 {
		cp.SilenceThreshold = 500
	}
	if cp.SilenceDuration == 0 {
		cp.SilenceDuration = 1500 * time.Millisecond
	}
	if cp.MaxDuration == 0 {
		cp.MaxDuration = 10 * time.Second
	}
	if cp.Recorder.Command == "" {
		cp.Recorder.Command = "arecord"
		cp.Recorder.Args = []string{"-q", "-f", "S16_LE", "-r", "{rate}", "-c", "1", "-t", "raw"}
	}

	if c.STT.Provider == "" {
		c.STT.Provider = "openai"
	}
	if c.STT.Model == "" {
		c.STT.Model = "whisper-1"
	}

	if c.Models.Provider == "" {
		c.Models.Provider = "ollama"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		switch c.Models.Provider {
		case "gemini":
			c.Models.Default = "gemini-2.0-flash"
		case "openai":
			c.Models.Default = "gpt-4o-mini"
		default:
			c.Models.Default = "qwen3:4b"
		}
	}

	ag := &c.Agent
	if ag.MaxIterations == 0 {
		ag.MaxIterations = 10
	}
	if ag.MaxDuration == 0 {
		ag.MaxDuration = 2 * time.Minute
	}
	if ag.ToolTimeout == 0 {
		ag.ToolTimeout = 30 * time.Second
	}
	if ag.BusyPolicy == "" {
		ag.BusyPolicy = BusyReject
	}
	if ag.QueueSize == 0 {
		ag.QueueSize = 4
	}
	if ag.PromptsDir == "" {
		ag.PromptsDir = filepath.Join(c.DataDir, "prompts")
	}
	ag.PromptsDir = expandHome(ag.PromptsDir)

	rg := &c.Registry
	if rg.MaxParallelConnects == 0 {
		rg.MaxParallelConnects = 8
	}
	if rg.ConnectTimeout == 0 {
		rg.ConnectTimeout = 30 * time.Second
	}
	if rg.MaxReconnects == 0 {
		rg.MaxReconnects = 5
	}
	if rg.BackoffInitial == 0 {
		rg.BackoffInitial = time.Second
	}
	if rg.BackoffMax == 0 {
		rg.BackoffMax = 30 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "hark"
	}
	if c.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		c.MQTT.ClientID = "hark-" + sanitizeTopicLevel(host)
	}

	for i := range c.Servers {
		if c.Servers[i].Transport == "" {
			if c.Servers[i].URL != "" {
				c.Servers[i].Transport = TransportHTTP
			} else {
				c.Servers[i].Transport = TransportStdio
			}
		}
	}
}

// Validate checks the configuration for errors that would otherwise
// surface mid-operation. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format %q: must be text or json", c.LogFormat)
	}

	for action, combo := range c.Hotkeys {
		switch action {
		case ActionCapture, ActionToggleWindow:
		default:
			add("hotkeys: unknown action %q (valid: %s, %s)", action, ActionCapture, ActionToggleWindow)
		}
		if strings.TrimSpace(combo) == "" {
			add("hotkeys.%s: empty key combination", action)
		}
	}

	if c.Capture.Retrigger != "ignore" && c.Capture.Retrigger != "stop" {
		add("capture.retrigger %q: must be ignore or stop", c.Capture.Retrigger)
	}
	if c.Capture.SampleRate <= 0 {
		add("capture.sample_rate must be positive")
	}
	if c.Capture.MaxDuration <= 0 || c.Capture.SilenceDuration <= 0 {
		add("capture durations must be positive")
	}

	switch c.STT.Provider {
	case "openai", "none":
	default:
		add("stt.provider %q: must be openai or none", c.STT.Provider)
	}
	switch c.Models.Provider {
	case "ollama", "gemini", "openai":
	default:
		add("models.provider %q: must be ollama, gemini, or openai", c.Models.Provider)
	}

	if c.Agent.MaxIterations <= 0 {
		add("agent.max_iterations must be positive")
	}
	if c.Agent.MaxDuration <= 0 || c.Agent.ToolTimeout <= 0 {
		add("agent durations must be positive")
	}
	if c.Agent.BusyPolicy != BusyReject && c.Agent.BusyPolicy != BusyQueue {
		add("agent.busy_policy %q: must be %s or %s", c.Agent.BusyPolicy, BusyReject, BusyQueue)
	}
	if c.Agent.BusyPolicy == BusyQueue && c.Agent.QueueSize <= 0 {
		add("agent.queue_size must be positive when busy_policy is queue")
	}

	if c.Registry.MaxReconnects < 0 {
		add("registry.max_reconnects must not be negative")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			add("servers[%d]: name is required", i)
			continue
		}
		if seen[s.Name] {
			add("servers: duplicate name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				add("servers.%s: stdio transport requires command", s.Name)
			}
		case TransportHTTP, TransportSSE, TransportWebSocket:
			if s.URL == "" {
				add("servers.%s: %s transport requires url", s.Name, s.Transport)
			}
		default:
			add("servers.%s: unknown transport %q", s.Name, s.Transport)
		}
		if len(s.IncludeTools) > 0 && len(s.ExcludeTools) > 0 {
			add("servers.%s: include_tools and exclude_tools are mutually exclusive", s.Name)
		}
	}

	return errors.Join(errs...)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// sanitizeTopicLevel makes s safe as one MQTT topic level.
func sanitizeTopicLevel(s string) string {
	s = strings.ToLower(s)
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
	if s == "" {
		return "local"
	}
	return s
}
