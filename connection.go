package coursechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the lifecycle state of the push connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// allowedTransitions lists every edge of the state machine except the
// explicit disconnect, which is allowed from any other state.
var allowedTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateFailed:       {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateFailed},
	StateConnected:    {StateReconnecting},
	StateReconnecting: {StateConnected, StateFailed},
}

// CanTransition reports whether the state machine has an edge from s to to.
func (s ConnectionState) CanTransition(to ConnectionState) bool {
	if to == StateDisconnected {
		return s != StateDisconnected
	}
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one observed state change.
type Transition struct {
	From ConnectionState
	To   ConnectionState
	// Attempt is the reconnect attempt that produced the transition, 0 for
	// transitions outside the reconnect loop.
	Attempt int
	// Err is the cause for Reconnecting and Failed.
	Err error
}

// ReconnectPolicy bounds automatic reconnection.
type ReconnectPolicy struct {
	MaxAttempts      int
	Delay            time.Duration
	HandshakeTimeout time.Duration
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManagerConfig wires a ConnectionManager.
type ConnectionManagerConfig struct {
	Transport Transport
	Bus       *Bus
	Policy    ReconnectPolicy
	Logger    *slog.Logger
	Metrics   *Metrics
}

// ConnectionManager owns the single push connection. It performs the
// handshake, detects drops, reconnects on a fixed delay up to a bounded
// number of attempts, and publishes every received event on the Bus.
//
// No other component touches the connection handle; they observe state via
// State and OnStateChange and write through Send.
type ConnectionManager struct {
	transport Transport
	policy    ReconnectPolicy
	bus       *Bus
	logger    *slog.Logger
	metrics   *Metrics
	after     func(time.Duration) <-chan time.Time

	mu         sync.Mutex
	state      ConnectionState
	conn       Conn
	credential string
	// epoch increments on every Connect and Disconnect; goroutines started
	// under an older epoch stop touching state.
	epoch   uint64
	runCtx  context.Context
	cancel  context.CancelFunc
	lastErr error

	listenersMu  sync.RWMutex
	nextListener uint64
	listeners    []stateListener
}

type stateListener struct {
	id uint64
	fn func(Transition)
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.Bus == nil {
		cfg.Bus = NewBus(cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy.HandshakeTimeout <= 0 {
		cfg.Policy.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &ConnectionManager{
		transport: cfg.Transport,
		policy:    cfg.Policy,
		bus:       cfg.Bus,
		logger:    cfg.Logger.With("component", "connection"),
		metrics:   cfg.Metrics,
		after:     time.After,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the cause of the last Reconnecting or Failed transition.
func (m *ConnectionManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers fn for every transition and returns a function
// removing it. fn runs on the goroutine that made the transition.
func (m *ConnectionManager) OnStateChange(fn func(Transition)) (off func()) {
	m.listenersMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Connect authenticates with credential and opens the push connection.
//
// It is a no-op while Connecting, Connected or Reconnecting. An auth
// rejection moves to Failed and is returned as an *AuthError. A transport
// failure moves to Reconnecting; the error is returned and reconnection
// continues in the background.
func (m *ConnectionManager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.credential = credential
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	t, ok := m.transitionLocked(StateConnecting, 0, nil)
	m.mu.Unlock()
	m.emit(t, ok)

	conn, err := m.handshake(ctx, credential)
	if err != nil && ctx.Err() != nil {
		m.abort(epoch)
		return ctx.Err()
	}
	return m.settle(epoch, 0, conn, err)
}

// Disconnect closes the connection, stops any reconnect loop and moves to
// Disconnected. It is idempotent.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	t, ok := m.transitionLocked(StateDisconnected, 0, nil)
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	m.emit(t, ok)
	if ok {
		m.publishReason(EventDisconnected, "client disconnect")
	}
	return err
}

// Send writes cmd on the live connection.
func (m *ConnectionManager) Send(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, cmd); err != nil {
		return &TransientConnectionError{Op: "write " + string(cmd.Type), Err: err}
	}
	return nil
}

// handshake dials with the handshake deadline applied and normalizes the
// error into the AuthError / TransientConnectionError taxonomy.
func (m *ConnectionManager) handshake(ctx context.Context, credential string) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.policy.HandshakeTimeout)
	defer cancel()

	conn, err := m.transport.Dial(hctx, credential)
	if err == nil {
		return conn, nil
	}
	if IsAuthError(err) || IsTransient(err) {
		return nil, err
	}
	return nil, &TransientConnectionError{Op: "handshake", Err: err}
}

// settle applies the outcome of a handshake made under epoch.
func (m *ConnectionManager) settle(epoch uint64, attempt int, conn Conn, err error) error {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			conn.Close("superseded")
		}
		return ErrDisconnected
	}

	switch {
	case err == nil:
		m.conn = conn
		ctx := m.runCtx
		t, ok := m.transitionLocked(StateConnected, attempt, nil)
		m.mu.Unlock()
		m.emit(t, ok)
		m.bus.Publish(Envelope{Type: EventConnected})
		go m.readLoop(ctx, epoch, conn)
		return nil

	case IsAuthError(err):
		t, ok := m.transitionLocked(StateFailed, attempt, err)
		m.stopLocked()
		m.mu.Unlock()
		m.emit(t, ok)
		return err

	default:
		if m.state == StateReconnecting {
			// still inside the reconnect loop, which owns the next step
			m.lastErr = err
			m.mu.Unlock()
			return err
		}
		ctx := m.runCtx
		t, ok := m.transitionLocked(StateReconnecting, attempt, err)
		m.mu.Unlock()
		m.emit(t, ok)
		go m.reconnectLoop(ctx, epoch)
		return err
	}
}

// abort returns a Connecting manager to Disconnected after the caller
// cancelled the handshake.
func (m *ConnectionManager) abort(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.stopLocked()
	t, ok := m.transitionLocked(StateDisconnected, 0, nil)
	m.mu.Unlock()
	m.emit(t, ok)
}

func (m *ConnectionManager) readLoop(ctx context.Context, epoch uint64, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				m.logger.Warn("dropping unreadable frame", "error", err)
				m.metrics.protocolError(EventType(pe.EventType))
				continue
			}
			m.dropped(epoch, conn, &TransientConnectionError{Op: "read", Err: err})
			return
		}

		switch env.Type {
		case EventDisconnected, EventTransportError:
			p, _ := decodePayload[ReasonPayload](env)
			reason := p.Reason
			if reason == "" {
				reason = string(env.Type)
			}
			m.dropped(epoch, conn, &TransientConnectionError{Op: string(env.Type), Err: errors.New(reason)})
			return
		case EventConnected:
			continue
		}

		if !m.bus.Publish(env) {
			m.logger.Debug("no handler for event", "event", env.Type)
		}
	}
}

// dropped handles the loss of conn and runs the reconnect loop.
func (m *ConnectionManager) dropped(epoch uint64, conn Conn, cause error) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn {
		m.mu.Unlock()
		conn.Close("stale connection")
		return
	}
	m.conn = nil
	ctx := m.runCtx
	t, ok := m.transitionLocked(StateReconnecting, 0, cause)
	m.mu.Unlock()

	conn.Close("connection lost")
	m.emit(t, ok)
	m.publishReason(EventDisconnected, cause.Error())
	m.reconnectLoop(ctx, epoch)
}

// reconnectLoop makes up to MaxAttempts handshakes, each after Delay. A
// success hands over to a fresh read loop; exhaustion moves to Failed.
func (m *ConnectionManager) reconnectLoop(ctx context.Context, epoch uint64) {
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-m.after(m.policy.Delay):
		}

		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		credential := m.credential
		m.mu.Unlock()

		m.metrics.reconnectAttempt()
		m.logger.Info("reconnecting", "attempt", attempt, "max_attempts", m.policy.MaxAttempts)

		conn, err := m.handshake(ctx, credential)
		err = m.settle(epoch, attempt, conn, err)
		if err == nil || errors.Is(err, ErrDisconnected) || IsAuthError(err) {
			return
		}
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	cause := fmt.Errorf("%w after %d attempts: %v", ErrServerUnreachable, m.policy.MaxAttempts, m.lastErr)
	t, ok := m.transitionLocked(StateFailed, m.policy.MaxAttempts, cause)
	m.stopLocked()
	m.mu.Unlock()
	m.emit(t, ok)
}

func (m *ConnectionManager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *ConnectionManager) transitionLocked(to ConnectionState, attempt int, err error) (Transition, bool) {
	from := m.state
	if !from.CanTransition(to) {
		return Transition{}, false
	}
	m.state = to
	if err != nil || to == StateConnected || to == StateConnecting {
		m.lastErr = err
	}
	return Transition{From: from, To: to, Attempt: attempt, Err: err}, true
}

func (m *ConnectionManager) emit(t Transition, ok bool) {
	if !ok {
		return
	}
	if t.Err != nil {
		m.logger.Warn("connection state changed", "from", t.From.String(), "state", t.To.String(), "attempt", t.Attempt, "error", t.Err)
	} else {
		m.logger.Info("connection state changed", "from", t.From.String(), "state", t.To.String(), "attempt", t.Attempt)
	}
	m.metrics.transition(t)

	m.listenersMu.RLock()
	listeners := append([]stateListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("state listener panicked", "panic", r)
				}
			}()
			l.fn(t)
		}()
	}
}

func (m *ConnectionManager) publishReason(t EventType, reason string) {
	env, err := NewEnvelope(t, ReasonPayload{Reason: reason})
	if err != nil {
		return
	}
	m.bus.Publish(env)
}
