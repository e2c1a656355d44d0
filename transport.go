package coursechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// Conn is one authenticated push connection.
type Conn interface {
	// Read blocks until the next server event arrives.
	Read(ctx context.Context) (Envelope, error)
	// Write sends one command frame.
	Write(ctx context.Context, cmd Command) error
	// Close releases the connection. Safe to call more than once.
	Close(reason string) error
}

// Transport dials and authenticates push connections. Dial returns only
// after the server has accepted the credential; a rejection is an
// *AuthError and anything else is a *TransientConnectionError.
type Transport interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// ============================================================================
// WebSocket transport
// ============================================================================

const maxFrameSize = 1 << 20

// WebSocketTransport dials the push endpoint over WebSocket.
type WebSocketTransport struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewWebSocketTransport creates a transport for endpoint. http(s) URLs are
// rewritten to ws(s).
func NewWebSocketTransport(endpoint string, httpClient *http.Client) *WebSocketTransport {
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	return &WebSocketTransport{Endpoint: endpoint, HTTPClient: httpClient}
}

// Dial performs the WebSocket upgrade with a bearer credential and waits for
// the server's connected or auth_error frame.
func (t *WebSocketTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := websocket.Dial(ctx, t.Endpoint, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: resp.Status}
		}
		return nil, &TransientConnectionError{Op: "websocket dial", Err: err}
	}
	conn.SetReadLimit(maxFrameSize)

	wc := &wsConn{conn: conn}
	env, err := wc.Read(ctx)
	if err != nil {
		wc.Close("handshake failed")
		return nil, &TransientConnectionError{Op: "read handshake", Err: err}
	}

	switch env.Type {
	case EventConnected:
		return wc, nil
	case EventAuthError:
		wc.Close("auth rejected")
		p, _ := decodePayload[ReasonPayload](env)
		return nil, &AuthError{Reason: p.Reason}
	default:
		wc.Close("unexpected handshake")
		return nil, &TransientConnectionError{
			Op:  "read handshake",
			Err: fmt.Errorf("expected %q, got %q", EventConnected, env.Type),
		}
	}
}

type wsConn struct {
	conn     *websocket.Conn
	once     sync.Once
	closeErr error
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ProtocolError{EventType: "?", Detail: "malformed frame", Err: err}
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	c.once.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return c.closeErr
}
