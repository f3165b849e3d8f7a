package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingTarget is returned by Validate when the configured delivery mode
// has nowhere to send messages.
var ErrMissingTarget = errors.New("missing delivery target")

// Delivery modes.
const (
	ModeWebhook = "webhook"
	ModeCLI     = "cli"
	ModeAuto    = "auto"
)

// Config holds all daemon configuration.
type Config struct {
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	SocketPath string `json:"socket_path" yaml:"socket_path"`
	DBPath     string `json:"db_path" yaml:"db_path"`
	StatePath  string `json:"state_path" yaml:"state_path"`
	PIDPath    string `json:"pid_path" yaml:"pid_path"`

	// SessionsDir is the tree of append-only session logs.
	SessionsDir string `json:"sessions_dir" yaml:"sessions_dir"`
	// IndexPath is the authoritative session index (routing keys).
	IndexPath string `json:"index_path" yaml:"index_path"`

	DeliveryMode string `json:"delivery_mode" yaml:"delivery_mode"`
	WebhookURL   string `json:"webhook_url" yaml:"webhook_url"`
	Channel      string `json:"channel" yaml:"channel"`
	Target       string `json:"target" yaml:"target"`
	CLICommand   string `json:"cli_command" yaml:"cli_command"`

	RateLimitMs          int   `json:"rate_limit_ms" yaml:"rate_limit_ms"`
	BatchWindowMs        int   `json:"batch_window_ms" yaml:"batch_window_ms"`
	MaxBatchSize         int   `json:"max_batch_size" yaml:"max_batch_size"`
	MaxMessageLength     int   `json:"max_message_length" yaml:"max_message_length"`
	MaxFileSizeBytes     int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	MaxSeenIDs           int   `json:"max_seen_ids" yaml:"max_seen_ids"`
	HeaderIntervalMs     int   `json:"header_interval_ms" yaml:"header_interval_ms"`
	RescanIntervalMs     int   `json:"rescan_interval_ms" yaml:"rescan_interval_ms"`
	IndexReloadMs        int   `json:"index_reload_interval_ms" yaml:"index_reload_interval_ms"`
	DebounceMs           int   `json:"debounce_ms" yaml:"debounce_ms"`
	PreviewLength        int   `json:"preview_length" yaml:"preview_length"`
	ContextWindowDefault int   `json:"context_window_default" yaml:"context_window_default"`

	ProjectEmojis map[string]string `json:"project_emojis" yaml:"project_emojis"`

	// Debug flags.
	ProcessAllHistory bool `json:"process_all_history" yaml:"process_all_history"`
	Verbose           bool `json:"verbose" yaml:"verbose"`

	// MetricsAddr enables the prometheus endpoint when non-empty (e.g. "127.0.0.1:9464").
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultDataDir returns the default data directory (~/.sessionrelay).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".sessionrelay")
}

// DefaultSessionsDir returns the directory the agent writes session logs to.
func DefaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".openclaw", "agents", "main", "sessions")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := DefaultDataDir()
	sessionsDir := DefaultSessionsDir()
	return &Config{
		DataDir:              dataDir,
		SocketPath:           filepath.Join(dataDir, "sessionrelay.sock"),
		DBPath:               filepath.Join(dataDir, "sessionrelay.db"),
		StatePath:            filepath.Join(dataDir, "state.json"),
		PIDPath:              filepath.Join(dataDir, "sessionrelay.pid"),
		SessionsDir:          sessionsDir,
		IndexPath:            filepath.Join(sessionsDir, "sessions.json"),
		DeliveryMode:         ModeWebhook,
		Channel:              "discord",
		CLICommand:           "openclaw",
		RateLimitMs:          1500,
		BatchWindowMs:        5000,
		MaxBatchSize:         15,
		MaxMessageLength:     2000,
		MaxFileSizeBytes:     50 * 1024 * 1024,
		MaxSeenIDs:           5000,
		HeaderIntervalMs:     0,
		RescanIntervalMs:     60000,
		IndexReloadMs:        30000,
		DebounceMs:           100,
		PreviewLength:        200,
		ContextWindowDefault: 200000,
		ProjectEmojis:        map[string]string{},
	}
}

// Load reads configuration from a JSON or YAML file (chosen by extension),
// falling back to defaults for any unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is fine, use defaults.
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	cfg.fillDerived()
	return cfg, nil
}

// fillDerived re-derives paths left empty when DataDir or SessionsDir was
// overridden.
func (c *Config) fillDerived() {
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "sessionrelay.sock")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "sessionrelay.db")
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.DataDir, "state.json")
	}
	if c.PIDPath == "" {
		c.PIDPath = filepath.Join(c.DataDir, "sessionrelay.pid")
	}
	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(c.SessionsDir, "sessions.json")
	}
	if c.ProjectEmojis == nil {
		c.ProjectEmojis = map[string]string{}
	}
}

// Validate reports fatal configuration problems. It is the only place a
// missing channel or target stops the daemon.
func (c *Config) Validate() error {
	switch c.DeliveryMode {
	case ModeWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("%w: webhook mode requires webhook_url", ErrMissingTarget)
		}
	case ModeCLI:
		if c.Channel == "" || c.Target == "" {
			return fmt.Errorf("%w: cli mode requires channel and target", ErrMissingTarget)
		}
	case ModeAuto:
		if c.WebhookURL == "" || c.Channel == "" || c.Target == "" {
			return fmt.Errorf("%w: auto mode requires webhook_url, channel and target", ErrMissingTarget)
		}
	default:
		return fmt.Errorf("unknown delivery_mode %q", c.DeliveryMode)
	}
	if c.SessionsDir == "" {
		return errors.New("sessions_dir is empty")
	}
	if c.MaxMessageLength < 100 {
		return fmt.Errorf("max_message_length %d is too small", c.MaxMessageLength)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1, got %d", c.MaxBatchSize)
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// ConfigPath returns the default path to the config file. A YAML file wins
// when both exist.
func ConfigPath() string {
	dir := DefaultDataDir()
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RateLimit is the minimum spacing between two sends.
func (c *Config) RateLimit() time.Duration { return ms(c.RateLimitMs) }

// BatchWindow is the inactivity window after which a batch is flushed.
func (c *Config) BatchWindow() time.Duration { return ms(c.BatchWindowMs) }

// HeaderInterval throttles header lines per group. Zero shows it every time.
func (c *Config) HeaderInterval() time.Duration { return ms(c.HeaderIntervalMs) }

// RescanInterval is the period of the full directory rescan.
func (c *Config) RescanInterval() time.Duration { return ms(c.RescanIntervalMs) }

// IndexReloadInterval is the period of the session-index reload.
func (c *Config) IndexReloadInterval() time.Duration { return ms(c.IndexReloadMs) }

// Debounce is the quiet window applied to file-change notifications.
func (c *Config) Debounce() time.Duration { return ms(c.DebounceMs) }
