package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendGemini    = "gemini"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendEcho      = "echo"
)

// Config holds application configuration
type Config struct {
	Debug  bool   `toml:"debug"`
	LogDir string `toml:"log_dir"` // Directory for rotated logs, traces and metrics

	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Client  ClientConfig  `toml:"client"`
	Archive ArchiveConfig `toml:"archive"`
}

// ServerConfig configures the relay process
type ServerConfig struct {
	Addr           string        `toml:"addr"`
	AllowedOrigins []string      `toml:"allowed_origins"` // Empty allows any origin
	Greeting       string        `toml:"greeting"`        // Payload of GET /api/hello
	InboxSize      int           `toml:"inbox_size"`      // Queued user messages per connection
	WriteTimeout   time.Duration `toml:"write_timeout"`
	PingInterval   time.Duration `toml:"ping_interval"`
}

// BackendConfig selects and configures the generation backend
type BackendConfig struct {
	Name    string        `toml:"name"`
	Model   string        `toml:"model"`
	BaseURL string        `toml:"base_url"` // Override for OpenAI-compatible and Ollama endpoints
	Timeout time.Duration `toml:"timeout"`
	APIKey  string        `toml:"-"` // Only read from the environment
}

// ClientConfig configures the session client
type ClientConfig struct {
	URL               string        `toml:"url"`
	SoftDeadline      time.Duration `toml:"soft_deadline"` // "Still working" notice
	HardDeadline      time.Duration `toml:"hard_deadline"` // Give up waiting
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `toml:"max_reconnect_delay"`
	MaxAttempts       int           `toml:"max_attempts"`
}

// ArchiveConfig controls the write-only exchange archive
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns a configuration usable without a file
func Default() Config {
	return Config{
		LogDir: "logs",
		Server: ServerConfig{
			Addr:         ":3000",
			Greeting:     "Hello! How can I help you today?",
			InboxSize:    8,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Backend: BackendConfig{
			Name:    BackendGemini,
			Model:   "gemini-2.0-flash",
			Timeout: 60 * time.Second,
		},
		Client: ClientConfig{
			URL:               "ws://localhost:3000/ws",
			SoftDeadline:      10 * time.Second,
			HardDeadline:      30 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 5 * time.Second,
			MaxAttempts:       5,
		},
		Archive: ArchiveConfig{
			Path: "chatrelay.db",
		},
	}
}

// Load reads a TOML file on top of the defaults. A missing path is not an
// error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATRELAY_* variables and reads the API key
// for the selected backend
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHATRELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CHATRELAY_BACKEND"); v != "" {
		c.Backend.Name = v
	}
	if v := os.Getenv("CHATRELAY_MODEL"); v != "" {
		c.Backend.Model = v
	}
	if v := os.Getenv("CHATRELAY_URL"); v != "" {
		c.Client.URL = v
	}
	if v := os.Getenv(APIKeyEnv(c.Backend.Name)); v != "" {
		c.Backend.APIKey = v
	}
}

// APIKeyEnv names the variable holding the API key of a backend. Backends
// without a key return "".
func APIKeyEnv(backend string) string {
	switch backend {
	case BackendGemini:
		return "GEMINI_API_KEY"
	case BackendOpenAI:
		return "OPENAI_API_KEY"
	case BackendAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}

// Validate reports every invalid field at once
func (c Config) Validate() error {
	var errs []error
	switch c.Backend.Name {
	case BackendGemini, BackendOpenAI, BackendOllama, BackendAnthropic, BackendEcho:
	default:
		errs = append(errs, fmt.Errorf("unknown backend: %s", c.Backend.Name))
	}
	if c.Server.InboxSize < 1 {
		errs = append(errs, fmt.Errorf("server.inbox_size must be at least 1"))
	}
	if c.Client.SoftDeadline <= 0 || c.Client.HardDeadline <= 0 {
		errs = append(errs, fmt.Errorf("client deadlines must be positive"))
	} else if c.Client.SoftDeadline >= c.Client.HardDeadline {
		errs = append(errs, fmt.Errorf("client.soft_deadline (%s) must be shorter than client.hard_deadline (%s)",
			c.Client.SoftDeadline, c.Client.HardDeadline))
	}
	if c.Client.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("client.max_attempts must not be negative"))
	}
	if c.Client.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_delay must be positive"))
	}
	if c.Client.MaxReconnectDelay < c.Client.ReconnectDelay {
		errs = append(errs, fmt.Errorf("client.max_reconnect_delay must be at least client.reconnect_delay"))
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		errs = append(errs, fmt.Errorf("archive.path is required when the archive is enabled"))
	}
	return errors.Join(errs...)
}
