package coursechat

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	DefaultEndpoint             = "ws://localhost:8080/ws"
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectDelay       = 3 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPageSize             = 50
	DefaultHTTPTimeout          = 30 * time.Second
)

// Config configures a Session.
type Config struct {
	// Endpoint is the push connection URL, e.g. "wss://chat.example.edu/ws".
	Endpoint string
	// APIBaseURL serves the paginated history. Derived from Endpoint when empty.
	APIBaseURL string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration

	// AckTimeout bounds the wait for a send_ack. Defaults to one full
	// reconnect cycle (MaxReconnectAttempts * ReconnectDelay).
	AckTimeout time.Duration

	PageSize    int
	HTTPTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = time.Duration(c.MaxReconnectAttempts) * c.ReconnectDelay
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.APIBaseURL == "" && c.Endpoint != "" {
		c.APIBaseURL = apiBaseFromEndpoint(c.Endpoint)
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("endpoint scheme must be ws, wss, http or https, got %q", u.Scheme)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts cannot be negative")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect delay cannot be negative")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	return nil
}

// ConfigFromEnv builds a Config from COURSECHAT_* environment variables.
// Unparseable values are ignored and the default is kept.
func ConfigFromEnv() Config {
	var cfg Config
	cfg.ApplyEnv()
	cfg.defaults()
	return cfg
}

// ApplyEnv overrides c with every COURSECHAT_* variable that is set and
// parses.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("COURSECHAT_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("COURSECHAT_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("COURSECHAT_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("COURSECHAT_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconnectDelay = d
		}
	}
	if v := os.Getenv("COURSECHAT_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AckTimeout = d
		}
	}
	if v := os.Getenv("COURSECHAT_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PageSize = n
		}
	}
}

// WithDefaults returns a copy of c with every unset field defaulted.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}

// apiBaseFromEndpoint maps wss://host/ws to https://host.
func apiBaseFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
