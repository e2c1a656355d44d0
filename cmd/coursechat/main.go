package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.coursechat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds connection settings. Empty fields fall back to the
// COURSECHAT_* environment and then to built-in defaults.
type ConfigDefault struct {
	Endpoint             string `toml:"endpoint"`
	APIURL               string `toml:"api_url"`
	Channel              string `toml:"channel"`
	PageSize             int    `toml:"page_size"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectDelay       string `toml:"reconnect_delay"`
}

// ConfigAuth holds the signed-in user.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ConfigCache controls the offline message cache.
type ConfigCache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.coursechat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".coursechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.endpoint").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.endpoint)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "endpoint":
			cfg.Default.Endpoint = value
		case "api_url":
			cfg.Default.APIURL = value
		case "channel":
			cfg.Default.Channel = value
		case "page_size":
			n, err := parsePositiveInt(field, value)
			if err != nil {
				return err
			}
			cfg.Default.PageSize = n
		case "max_reconnect_attempts":
			n, err := parsePositiveInt(field, value)
			if err != nil {
				return err
			}
			cfg.Default.MaxReconnectAttempts = n
		case "reconnect_delay":
			if _, err := parseDuration(value); err != nil {
				return fmt.Errorf("invalid %s: %w", field, err)
			}
			cfg.Default.ReconnectDelay = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "enabled":
			switch value {
			case "true", "1", "yes":
				cfg.Cache.Enabled = true
			case "false", "0", "no":
				cfg.Cache.Enabled = false
			default:
				return fmt.Errorf("invalid %s: %q is not a boolean", field, value)
			}
		case "path":
			cfg.Cache.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "coursechat",
	Short:        "Course chat client",
	Long:         "Command-line client for course chat and discussion channels.\nManage configuration, browse history, and chat live.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection and store activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
