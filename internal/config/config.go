// Package config loads reaction-level settings and per-query
// configuration. Precedence for reaction-level settings is environment
// variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds process-level settings for the reaction.
type Config struct {
	ReactionName         string    `toml:"reactionName"`
	AppPort              int       `toml:"appPort"`
	McpServerPort        int       `toml:"mcpServerPort"`
	QueriesConfigDir     string    `toml:"queriesConfigDir"`
	ViewServiceURL       string    `toml:"viewServiceUrl"`
	ManagementServiceURL string    `toml:"managementServiceUrl"`
	Log                  LogConfig `toml:"log"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Load builds a Config from defaults, an optional TOML file, then
// environment variables — each layer overriding the last.
//
// Config file search order (first found wins):
//  1. Path passed via configPath parameter (from --config flag)
//  2. REACTION_CONFIG environment variable
//  3. ./reaction.toml (current directory)
//  4. ~/.config/reaction/reaction.toml (XDG-style)
//
// All fields are optional in the config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		ReactionName:         "mcp-server",
		AppPort:              80,
		McpServerPort:        8080,
		QueriesConfigDir:     "/etc/reaction/queries",
		ViewServiceURL:       "http://drasi-view-svc:8080",
		ManagementServiceURL: "http://drasi-query-container-management:8080",
		Log: LogConfig{
			Level: "info",
		},
	}

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil // no config file found; rely on defaults + env
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("REACTION_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("reaction.toml"); err == nil {
		return "reaction.toml"
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/reaction/reaction.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	envOverride("REACTION_NAME", &c.ReactionName)
	envOverride("QUERIES_CONFIG_DIR", &c.QueriesConfigDir)
	envOverride("VIEW_SERVICE_URL", &c.ViewServiceURL)
	envOverride("MANAGEMENT_SERVICE_URL", &c.ManagementServiceURL)
	envOverride("REACTION_LOG_LEVEL", &c.Log.Level)

	envOverrideInt("APP_PORT", &c.AppPort)
	envOverrideInt("MCP_SERVER_PORT", &c.McpServerPort)
}

// Validate checks that required reaction-level fields are present.
func (c *Config) Validate() error {
	if c.ReactionName == "" {
		return fmt.Errorf("reactionName must not be empty")
	}
	if c.QueriesConfigDir == "" {
		return fmt.Errorf("queriesConfigDir must not be empty")
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("appPort out of range: %d", c.AppPort)
	}
	if c.McpServerPort <= 0 || c.McpServerPort > 65535 {
		return fmt.Errorf("mcpServerPort out of range: %d", c.McpServerPort)
	}
	return nil
}

func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envOverrideInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
