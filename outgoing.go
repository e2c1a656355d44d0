package coursechat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Send outcomes
// ============================================================================

// SendOutcome is the terminal result of one send: Sent or Failed.
type SendOutcome interface {
	isSendOutcome()
}

// Sent means the server acknowledged the message under MessageID.
type Sent struct {
	MessageID string
	CreatedAt time.Time
}

// Failed means the message was rejected, timed out, or could not be written.
// Err is a *SendRejectedError, a *SendTimeoutError, or the write error.
type Failed struct {
	Reason string
	Err    error
}

func (Sent) isSendOutcome()   {}
func (Failed) isSendOutcome() {}

// PendingSend is a future for one outgoing message. It resolves exactly once.
type PendingSend struct {
	LocalID   string
	ChannelID string
	Content   string
	Attempt   int
	Deadline  time.Time

	once    sync.Once
	done    chan struct{}
	outcome SendOutcome
	stop    func() bool
}

func newPendingSend(localID, channelID, content string, attempt int, deadline time.Time) *PendingSend {
	return &PendingSend{
		LocalID:   localID,
		ChannelID: channelID,
		Content:   content,
		Attempt:   attempt,
		Deadline:  deadline,
		done:      make(chan struct{}),
	}
}

// Done is closed when the send resolves.
func (p *PendingSend) Done() <-chan struct{} { return p.done }

// Outcome returns the resolution, or nil while the send is pending.
func (p *PendingSend) Outcome() SendOutcome {
	select {
	case <-p.done:
		return p.outcome
	default:
		return nil
	}
}

// Wait blocks until the send resolves or ctx is done.
func (p *PendingSend) Wait(ctx context.Context) (SendOutcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PendingSend) resolve(o SendOutcome) bool {
	resolved := false
	p.once.Do(func() {
		p.outcome = o
		resolved = true
		close(p.done)
	})
	return resolved
}

// ============================================================================
// Coordinator
// ============================================================================

// CommandSender writes commands on the live connection.
type CommandSender interface {
	Send(ctx context.Context, cmd Command) error
}

// JoinState reports a channel's subscription state.
type JoinState interface {
	State(channelID string) SubscriptionState
}

// OutgoingConfig wires an OutgoingMessageCoordinator.
type OutgoingConfig struct {
	Sender       CommandSender
	Subscription JoinState
	Store        *MessageStore
	Bus          *Bus
	Identity     Identity
	AckTimeout   time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
}

// resolvedSend remembers a settled send so a repeated ack can be told apart
// from an unknown one. Entries are kept for resolvedRetention ack timeouts.
type resolvedSend struct {
	channelID string
	ok        bool
	at        time.Time
}

const resolvedRetention = 2

// OutgoingMessageCoordinator turns a compose action into an optimistically
// visible message and reconciles it against the server's ack.
//
// The correlation id of a send is its local id. Resolution is keyed by the
// (channel, local id) recorded at send time, never by the current channel.
type OutgoingMessageCoordinator struct {
	sender     CommandSender
	subs       JoinState
	store      *MessageStore
	identity   Identity
	ackTimeout time.Duration
	logger     *slog.Logger
	metrics    *Metrics

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu       sync.Mutex
	pending  map[string]*PendingSend
	failed   map[string]*PendingSend
	resolved map[string]resolvedSend

	off func()
}

// NewOutgoingMessageCoordinator creates a coordinator and, when cfg.Bus is
// set, registers it for send_ack events.
func NewOutgoingMessageCoordinator(cfg OutgoingConfig) *OutgoingMessageCoordinator {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = time.Duration(DefaultMaxReconnectAttempts) * DefaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &OutgoingMessageCoordinator{
		sender:     cfg.Sender,
		subs:       cfg.Subscription,
		store:      cfg.Store,
		identity:   cfg.Identity,
		ackTimeout: cfg.AckTimeout,
		logger:     cfg.Logger.With("component", "outgoing"),
		metrics:    cfg.Metrics,
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		pending:  make(map[string]*PendingSend),
		failed:   make(map[string]*PendingSend),
		resolved: make(map[string]resolvedSend),
	}
	if cfg.Bus != nil {
		c.off = cfg.Bus.On(EventSendAck, c.handleAckEvent)
	}
	return c
}

// Close stops ack handling and fails every pending send.
func (c *OutgoingMessageCoordinator) Close() {
	if c.off != nil {
		c.off()
	}
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.fail(id, "session closed", ErrDisconnected, "failed")
	}
}

// Send validates content and the channel's join state, then inserts a
// pending message and emits it. Validation failures return an error and
// touch nothing. A write failure does not return an error; the returned
// PendingSend is already resolved as Failed.
func (c *OutgoingMessageCoordinator) Send(ctx context.Context, channelID, content string) (*PendingSend, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if c.subs.State(channelID) != SubscriptionJoined {
		return nil, ErrNotJoined
	}
	return c.dispatch(ctx, channelID, content, 1), nil
}

// Retry re-sends the content of a failed message as a new message. The
// failed entry stays visible.
func (c *OutgoingMessageCoordinator) Retry(ctx context.Context, localID string) (*PendingSend, error) {
	c.mu.Lock()
	prev, ok := c.failed[localID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownMessage
	}
	if c.subs.State(prev.ChannelID) != SubscriptionJoined {
		return nil, ErrNotJoined
	}

	c.mu.Lock()
	if _, still := c.failed[localID]; !still {
		c.mu.Unlock()
		return nil, ErrUnknownMessage
	}
	delete(c.failed, localID)
	c.mu.Unlock()

	return c.dispatch(ctx, prev.ChannelID, prev.Content, prev.Attempt+1), nil
}

// Pending returns the number of sends awaiting an ack.
func (c *OutgoingMessageCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *OutgoingMessageCoordinator) dispatch(ctx context.Context, channelID, content string, attempt int) *PendingSend {
	localID := uuid.NewString()
	now := c.now()
	p := newPendingSend(localID, channelID, content, attempt, now.Add(c.ackTimeout))

	// Optimistic entry is visible before anything touches the network.
	err := c.store.Append(Message{
		ID:             localIDPrefix + localID,
		ClientID:       localID,
		ChannelID:      channelID,
		SenderID:       c.identity.UserID,
		SenderName:     c.identity.DisplayName,
		Content:        content,
		Kind:           KindText,
		CreatedAt:      now,
		DeliveryStatus: StatusPending,
	})
	if err != nil {
		p.resolve(Failed{Reason: err.Error(), Err: err})
		c.metrics.send("failed")
		c.logger.Error("optimistic insert failed", "channel_id", channelID, "local_id", localID, "error", err)
		return p
	}

	c.mu.Lock()
	c.pruneResolvedLocked(now)
	c.pending[localID] = p
	p.stop = c.afterFunc(c.ackTimeout, func() { c.expire(localID) })
	c.mu.Unlock()

	err = c.sender.Send(ctx, Command{
		Type: CommandSend,
		Payload: SendPayload{
			ChannelID:     channelID,
			Content:       content,
			Kind:          KindText,
			CorrelationID: localID,
		},
		RequestID: localID,
	})
	if err != nil {
		c.fail(localID, err.Error(), err, "failed")
	} else {
		c.logger.Debug("message sent", "channel_id", channelID, "local_id", localID, "attempt", attempt)
	}
	return p
}

func (c *OutgoingMessageCoordinator) handleAckEvent(env Envelope) {
	ack, err := decodePayload[SendAck](env)
	if err == nil {
		err = c.HandleAck(ack)
	}
	if err != nil {
		c.logger.Warn("dropping ack", "error", err)
		c.metrics.protocolError(env.Type)
	}
}

// HandleAck resolves the pending send correlated by ack.CorrelationID. A
// repeated positive ack is re-applied to the store idempotently. An ack that
// matches nothing, or arrives after the send already failed, is a
// *ProtocolError.
func (c *OutgoingMessageCoordinator) HandleAck(ack SendAck) error {
	id := ack.CorrelationID
	if id == "" {
		return &ProtocolError{EventType: string(EventSendAck), Detail: "ack without correlation id"}
	}
	if ack.OK && ack.MessageID == "" {
		return &ProtocolError{EventType: string(EventSendAck), Detail: "positive ack without message id for " + id}
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		prev, seen := c.resolved[id]
		c.mu.Unlock()
		if seen && prev.ok && ack.OK && (ack.ChannelID == "" || ack.ChannelID == prev.channelID) {
			c.store.Reconcile(prev.channelID, id, ack)
			return nil
		}
		return &ProtocolError{EventType: string(EventSendAck), Detail: "unknown or already resolved correlation id " + id}
	}
	delete(c.pending, id)
	if p.stop != nil {
		p.stop()
	}
	c.resolved[id] = resolvedSend{channelID: p.ChannelID, ok: ack.OK, at: c.now()}
	if !ack.OK {
		c.failed[id] = p
	}
	c.mu.Unlock()

	if !ack.OK {
		reason := ack.Reason
		if reason == "" {
			reason = "rejected"
		}
		c.store.MarkFailed(p.ChannelID, id, reason)
		p.resolve(Failed{Reason: reason, Err: &SendRejectedError{Reason: reason}})
		c.metrics.send("rejected")
		c.logger.Warn("message rejected", "channel_id", p.ChannelID, "local_id", id, "reason", reason)
		return nil
	}

	c.store.Reconcile(p.ChannelID, id, ack)
	sent := Sent{MessageID: ack.MessageID}
	if m, found := c.store.Message(p.ChannelID, ack.MessageID); found {
		sent.CreatedAt = m.CreatedAt
	}
	p.resolve(sent)
	c.metrics.send("sent")
	return nil
}

func (c *OutgoingMessageCoordinator) expire(localID string) {
	c.mu.Lock()
	p, ok := c.pending[localID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.fail(localID, "no acknowledgement", &SendTimeoutError{ChannelID: p.ChannelID, LocalID: localID}, "timeout")
}

func (c *OutgoingMessageCoordinator) fail(localID, reason string, err error, outcome string) {
	c.mu.Lock()
	p, ok := c.pending[localID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, localID)
	if p.stop != nil {
		p.stop()
	}
	c.failed[localID] = p
	c.resolved[localID] = resolvedSend{channelID: p.ChannelID, at: c.now()}
	c.mu.Unlock()

	c.store.MarkFailed(p.ChannelID, localID, reason)
	p.resolve(Failed{Reason: reason, Err: err})
	c.metrics.send(outcome)
	c.logger.Warn("send failed", "channel_id", p.ChannelID, "local_id", localID, "error", err)
}

// pruneResolvedLocked forgets settled sends older than the retention window.
// Failed sends stay retryable; only their ack bookkeeping is dropped.
func (c *OutgoingMessageCoordinator) pruneResolvedLocked(now time.Time) {
	cutoff := now.Add(-resolvedRetention * c.ackTimeout)
	for id, r := range c.resolved {
		if r.at.Before(cutoff) {
			delete(c.resolved, id)
		}
	}
}
