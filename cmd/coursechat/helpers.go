package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/learnloop/coursechat"
	"github.com/learnloop/coursechat/sqlitecache"
)

// sessionConfig layers the file settings under the COURSECHAT_* environment.
func sessionConfig(cfg *Config) (coursechat.Config, error) {
	c := coursechat.Config{
		Endpoint:             cfg.Default.Endpoint,
		APIBaseURL:           cfg.Default.APIURL,
		PageSize:             cfg.Default.PageSize,
		MaxReconnectAttempts: cfg.Default.MaxReconnectAttempts,
	}
	if cfg.Default.ReconnectDelay != "" {
		d, err := parseDuration(cfg.Default.ReconnectDelay)
		if err != nil {
			return c, fmt.Errorf("invalid default.reconnect_delay: %w", err)
		}
		c.ReconnectDelay = d
	}
	c.ApplyEnv()
	if c.Endpoint == "" {
		c.Endpoint = coursechat.DefaultEndpoint
	}
	c = c.WithDefaults()
	return c, c.Validate()
}

// requireToken returns the stored bearer token.
func requireToken(cfg *Config) (string, error) {
	if cfg.Auth.Token == "" {
		return "", fmt.Errorf("not signed in; run 'coursechat login <token>' first")
	}
	return cfg.Auth.Token, nil
}

// openCache opens the message cache when enabled. The returned close
// function is always safe to call.
func openCache(cfg *Config) (*sqlitecache.Cache, func(), error) {
	if !cfg.Cache.Enabled {
		return nil, func() {}, nil
	}
	path := cfg.Cache.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, func() {}, err
		}
		path = filepath.Join(dir, "cache.db")
	}
	cache, err := sqlitecache.Open(path)
	if err != nil {
		return nil, func() {}, err
	}
	return cache, func() { cache.Close() }, nil
}

// newSession builds a session from the stored configuration.
func newSession(cfg *Config, logger *slog.Logger) (*coursechat.Session, func(), error) {
	sc, err := sessionConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	cache, closeCache, err := openCache(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	opts := []coursechat.SessionOption{
		coursechat.WithLogger(logger),
		coursechat.WithIdentity(coursechat.Identity{
			UserID:      cfg.Auth.UserID,
			DisplayName: cfg.Auth.DisplayName,
		}),
	}
	if cache != nil {
		opts = append(opts, coursechat.WithCache(cache))
	}

	session, err := coursechat.NewSession(sc, opts...)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return session, func() {
		session.Close()
		closeCache()
	}, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parsePositiveInt(field, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q is not a positive integer", field, value)
	}
	return n, nil
}

func parseDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration cannot be negative")
	}
	return d, nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// formatMessage renders one feed line.
func formatMessage(m coursechat.Message) string {
	name := valueOrDefault(m.SenderName, valueOrDefault(m.SenderID, "unknown"))
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), name, m.Content)
	switch m.DeliveryStatus {
	case coursechat.StatusPending:
		line += "  (sending)"
	case coursechat.StatusFailed:
		line += fmt.Sprintf("  (failed, /retry %s)", m.ClientID)
	}
	return line
}
