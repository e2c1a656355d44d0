package coursechat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// HistoryClient
// ============================================================================

// HistoryClient reads paginated channel history over the REST API. It
// implements HistoryFetcher.
type HistoryClient struct {
	mu    sync.RWMutex
	token string

	baseURL    string
	httpClient *http.Client
}

type HistoryOption func(*HistoryClient)

func WithBaseURL(u string) HistoryOption {
	return func(c *HistoryClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) HistoryOption {
	return func(c *HistoryClient) { c.httpClient.Timeout = timeout }
}

func WithHistoryHTTPClient(client *http.Client) HistoryOption {
	return func(c *HistoryClient) { c.httpClient = client }
}

// NewHistoryClient creates a client authenticated with token.
func NewHistoryClient(token string, opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		token:   token,
		baseURL: apiBaseFromEndpoint(DefaultEndpoint),
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer credential, e.g. after the user signs in again.
func (c *HistoryClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HistoryClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FetchMessages returns up to limit messages of channelID, oldest first.
// before, when set, is the ID of the oldest message already held.
func (c *HistoryClient) FetchMessages(ctx context.Context, channelID string, limit int, before string) ([]Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if before != "" {
		query["before"] = before
	}

	status, data, err := c.doRequest(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelID)+"/messages", query)
	if err != nil {
		return nil, &TransientConnectionError{Op: "fetch history", Err: err}
	}

	result, decodeErr := decodeJSON[APIResult](data)
	if err := classifyStatus(channelID, status, result); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, &ProtocolError{EventType: "history", Detail: "malformed response", Err: decodeErr}
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request not ok"}
	}

	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, &ProtocolError{EventType: "history", Detail: "malformed messages", Err: err}
	}
	return msgs, nil
}

// classifyStatus maps HTTP failures onto the error taxonomy.
func classifyStatus(channelID string, status int, result *APIResult) error {
	reason := http.StatusText(status)
	if result != nil && result.Error != nil && result.Error.Message != "" {
		reason = result.Error.Message
	}
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return &AuthError{Reason: reason}
	case status == http.StatusForbidden, status == http.StatusNotFound:
		return &ChannelAccessError{ChannelID: channelID, Reason: reason}
	case status >= 500:
		return &TransientConnectionError{Op: "fetch history", Err: fmt.Errorf("server returned %d: %s", status, reason)}
	default:
		if result != nil && result.Error != nil {
			return result.Error
		}
		return &APIError{Code: strconv.Itoa(status), Message: reason}
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *HistoryClient) doRequest(ctx context.Context, method, path string, query map[string]string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
