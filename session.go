// Package coursechat is the real-time course-communication client.
//
// It keeps a live, ordered conversation feed per course channel over one
// push connection, merges pushed events with paginated history, sends
// messages optimistically and reconnects on its own after connection loss.
//
// Example:
//
//	session, _ := coursechat.NewSession(coursechat.ConfigFromEnv())
//	defer session.Close()
//
//	session.Connect(ctx, token)
//	session.Open(ctx, "course-101-chat")
//
//	for m := range session.Store.Messages("course-101-chat") {
//		fmt.Println(m.SenderName, m.Content)
//	}
//
//	pending, _ := session.Send(ctx, "hello")
//	outcome, _ := pending.Wait(ctx)
package coursechat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// ============================================================================
// Options
// ============================================================================

type sessionOptions struct {
	logger     *slog.Logger
	metrics    *Metrics
	transport  Transport
	fetcher    HistoryFetcher
	cache      MessageCache
	identity   Identity
	httpClient *http.Client
}

type SessionOption func(*sessionOptions)

func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithTransport replaces the WebSocket transport.
func WithTransport(t Transport) SessionOption {
	return func(o *sessionOptions) { o.transport = t }
}

// WithHistoryFetcher replaces the REST history client.
func WithHistoryFetcher(f HistoryFetcher) SessionOption {
	return func(o *sessionOptions) { o.fetcher = f }
}

// WithCache enables the offline message cache.
func WithCache(c MessageCache) SessionOption {
	return func(o *sessionOptions) { o.cache = c }
}

// WithIdentity sets the user stamped on optimistic messages.
func WithIdentity(id Identity) SessionOption {
	return func(o *sessionOptions) { o.identity = id }
}

// WithHTTPClient is used for both the WebSocket dial and history requests.
func WithHTTPClient(c *http.Client) SessionOption {
	return func(o *sessionOptions) { o.httpClient = c }
}

// ============================================================================
// Session
// ============================================================================

// Session wires the connection, subscription, store and outgoing
// coordinator around one Bus. It tracks the active channel.
type Session struct {
	Bus          *Bus
	Conn         *ConnectionManager
	Subscription *ChannelSubscription
	Store        *MessageStore
	Outgoing     *OutgoingMessageCoordinator

	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	history *HistoryClient

	mu     sync.Mutex
	active string

	offs []func()
}

// NewSession validates cfg and builds a Disconnected session.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &sessionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	s := &Session{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
	}

	if o.transport == nil {
		o.transport = NewWebSocketTransport(cfg.Endpoint, o.httpClient)
	}
	if o.fetcher == nil {
		s.history = NewHistoryClient("",
			WithBaseURL(cfg.APIBaseURL),
			WithHistoryHTTPClient(o.httpClient),
		)
		o.fetcher = s.history
	}

	s.Bus = NewBus(o.logger)
	s.Conn = NewConnectionManager(ConnectionManagerConfig{
		Transport: o.transport,
		Bus:       s.Bus,
		Policy: ReconnectPolicy{
			MaxAttempts:      cfg.MaxReconnectAttempts,
			Delay:            cfg.ReconnectDelay,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	s.Subscription = NewChannelSubscription(s.Conn, s.Bus, o.logger, o.metrics)
	s.Store = NewMessageStore(MessageStoreConfig{
		Fetcher:  o.fetcher,
		Cache:    o.cache,
		PageSize: cfg.PageSize,
		Logger:   o.logger,
		Metrics:  o.metrics,
	})
	s.Outgoing = NewOutgoingMessageCoordinator(OutgoingConfig{
		Sender:       s.Conn,
		Subscription: s.Subscription,
		Store:        s.Store,
		Bus:          s.Bus,
		Identity:     o.identity,
		AckTimeout:   cfg.AckTimeout,
		Logger:       o.logger,
		Metrics:      o.metrics,
	})

	s.offs = append(s.offs, s.Bus.On(EventNewMessage, s.handleNewMessage))
	return s, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// Connect opens the push connection and authenticates history requests
// with the same credential.
func (s *Session) Connect(ctx context.Context, credential string) error {
	if s.history != nil {
		s.history.SetToken(credential)
	}
	return s.Conn.Connect(ctx, credential)
}

// Active returns the channel most recently opened.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Open switches to channelID: loads for the previous channel are cancelled,
// the channel is joined, and once joined its newest page is loaded.
func (s *Session) Open(ctx context.Context, channelID string) error {
	s.mu.Lock()
	prev := s.active
	s.active = channelID
	s.mu.Unlock()

	if prev != "" && prev != channelID {
		s.Store.CancelLoads(prev)
	}
	if err := s.Subscription.Join(ctx, channelID); err != nil {
		return err
	}
	if err := s.Subscription.AwaitJoined(ctx, channelID); err != nil {
		return err
	}
	return s.Store.LoadInitialPage(ctx, channelID)
}

// Send composes content into the active channel.
func (s *Session) Send(ctx context.Context, content string) (*PendingSend, error) {
	channelID := s.Active()
	if channelID == "" {
		return nil, ErrNotJoined
	}
	return s.Outgoing.Send(ctx, channelID, content)
}

// LoadOlder fetches the page before the oldest message of the active channel.
func (s *Session) LoadOlder(ctx context.Context) error {
	channelID := s.Active()
	if channelID == "" {
		return ErrNotJoined
	}
	return s.Store.LoadOlderPage(ctx, channelID)
}

// Close fails pending sends, unregisters handlers and disconnects.
func (s *Session) Close() error {
	s.Outgoing.Close()
	s.Subscription.Close()
	for _, off := range s.offs {
		off()
	}
	return s.Conn.Disconnect()
}

func (s *Session) handleNewMessage(env Envelope) {
	var m Message
	err := json.Unmarshal(env.Payload, &m)
	if err != nil {
		err = &ProtocolError{EventType: string(env.Type), Detail: "malformed message", Err: err}
	} else {
		err = s.Store.Append(m)
	}
	if err != nil {
		s.logger.Warn("dropping pushed message", "error", err)
		s.metrics.protocolError(env.Type)
	}
}
