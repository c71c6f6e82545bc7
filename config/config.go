// Package config loads the assistant's configuration from a YAML file with
// environment-variable fallbacks for credentials.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for one assistant session.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// APIKey is usually left empty in the file and supplied through the
	// environment; see ResolveAPIKey.
	APIKey string `yaml:"api_key,omitempty"`

	MaxTokens       int     `yaml:"max_tokens,omitempty"`
	Temperature     float64 `yaml:"temperature,omitempty"`
	ReasoningEffort string  `yaml:"reasoning_effort,omitempty"`

	MaxToolRounds     int  `yaml:"max_tool_rounds,omitempty"`
	CompactCeiling    int  `yaml:"compact_ceiling,omitempty"`
	CompactKeepRecent int  `yaml:"compact_keep_recent,omitempty"`
	LoopDetection     bool `yaml:"loop_detection"`

	WorkingDir string `yaml:"working_dir,omitempty"`
	LogLevel   string `yaml:"log_level,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Provider:          "openai",
		Model:             "gpt-4o",
		MaxTokens:         8192,
		MaxToolRounds:     16,
		CompactCeiling:    50,
		CompactKeepRecent: 20,
		LoopDetection:     true,
		LogLevel:          "info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults apply as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider must not be empty")
	}
	if c.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if c.CompactKeepRecent >= c.CompactCeiling && c.CompactCeiling > 0 {
		return fmt.Errorf("compact_keep_recent (%d) must be below compact_ceiling (%d)",
			c.CompactKeepRecent, c.CompactCeiling)
	}
	return nil
}

// ResolveAPIKey returns the API key, preferring the file value, then
// PILOT_API_KEY, then the provider's conventional variable.
func (c Config) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if key := os.Getenv("PILOT_API_KEY"); key != "" {
		return key
	}
	return os.Getenv(strings.ToUpper(c.Provider) + "_API_KEY")
}
