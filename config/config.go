package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/richinsley/comfypanel/generate"
	"github.com/richinsley/comfypanel/graphapi"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "CONFIG_PATH"
	EnvBackendURL = "COMFY_URL"

	DefaultBackendURL = "http://127.0.0.1:8188"
	DefaultPort       = 8080
)

type BackendConfig struct {
	URL string `yaml:"url"`
	// Push opens the backend websocket for completion events; polling is
	// used when it is off or unavailable.
	Push bool `yaml:"push"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

type Config struct {
	Port    int                 `yaml:"port"`
	Backend BackendConfig       `yaml:"backend"`
	Poll    generate.PollConfig `yaml:"poll"`
	Models  []graphapi.Model    `yaml:"models"`
	Log     LogConfig           `yaml:"log"`
}

// Default returns a configuration that talks to a local backend.
func Default() *Config {
	return &Config{
		Port:    DefaultPort,
		Backend: BackendConfig{URL: DefaultBackendURL},
		Poll:    generate.DefaultPollConfig(),
		Models:  graphapi.DefaultModels(),
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Path returns the config file to read: the flag value if set, else
// CONFIG_PATH. An empty result means defaults only.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// LoadConfig reads the YAML file at configPath over the defaults, applies
// environment overrides and validates the result. An empty path skips the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Backend.URL = v
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// an explicit empty list or zero value in the file falls back to the default
func (c *Config) applyDefaults() {
	def := Default()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Backend.URL == "" {
		c.Backend.URL = def.Backend.URL
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = def.Poll.Interval
	}
	if c.Poll.MaxAttempts == 0 {
		c.Poll.MaxAttempts = def.Poll.MaxAttempts
	}
	if len(c.Models) == 0 {
		c.Models = def.Models
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.url must be an http(s) address, got %q", c.Backend.URL)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Poll.Interval < 0 {
		return errors.New("poll.interval must not be negative")
	}
	if c.Poll.MaxAttempts < 1 {
		return errors.New("poll.max_attempts must be positive")
	}
	if c.Poll.GraceAttempts < 0 || c.Poll.GraceAttempts >= c.Poll.MaxAttempts {
		return fmt.Errorf("poll.grace_attempts must be between 0 and %d", c.Poll.MaxAttempts-1)
	}
	if err := validateModels(c.Models); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// validateModels ensures every catalog entry has an id and a known family
func validateModels(models []graphapi.Model) error {
	seen := make(map[string]bool)

	for i, m := range models {
		if m.ID == "" {
			return fmt.Errorf("model at index %d has empty id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id: %s", m.ID)
		}
		seen[m.ID] = true

		if !m.Family.Valid() {
			return fmt.Errorf("model %s has unknown family %q", m.ID, m.Family)
		}
	}
	return nil
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
