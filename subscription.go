package coursechat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Connection is the part of ConnectionManager that other components use.
type Connection interface {
	State() ConnectionState
	Send(ctx context.Context, cmd Command) error
	OnStateChange(fn func(Transition)) (off func())
}

// ChannelSubscription makes "joined" an explicit condition tied to the
// connection being Connected. At most one channel is current at a time;
// joining another leaves the current one first.
type ChannelSubscription struct {
	conn    Connection
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	current  string
	joinSent bool
	channels map[string]*Channel
	rejected map[string]error
	waiters  map[string][]chan error

	offs []func()
}

// NewChannelSubscription registers for join outcomes on bus and for state
// changes on conn.
func NewChannelSubscription(conn Connection, bus *Bus, logger *slog.Logger, metrics *Metrics) *ChannelSubscription {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ChannelSubscription{
		conn:     conn,
		logger:   logger.With("component", "subscription"),
		metrics:  metrics,
		channels: make(map[string]*Channel),
		rejected: make(map[string]error),
		waiters:  make(map[string][]chan error),
	}
	s.offs = append(s.offs,
		conn.OnStateChange(s.onTransition),
		bus.On(EventChannelJoined, s.handleJoined),
		bus.On(EventChannelJoinRejected, s.handleRejected),
	)
	return s
}

// Close unregisters the subscription's handlers.
func (s *ChannelSubscription) Close() {
	for _, off := range s.offs {
		off()
	}
}

// State returns the subscription state of channelID.
func (s *ChannelSubscription) State(channelID string) SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[channelID]; ok {
		return ch.SubscriptionState
	}
	return SubscriptionIdle
}

// Current returns the channel most recently passed to Join, if any.
func (s *ChannelSubscription) Current() (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return Channel{}, false
	}
	return *s.channels[s.current], true
}

// Join makes channelID the current channel. It is a no-op when channelID is
// already joined or joining. A different current channel is left first. When
// the connection is not Connected the join is queued and sent the next time
// it is.
//
// Join does not wait for the server; use AwaitJoined.
func (s *ChannelSubscription) Join(ctx context.Context, channelID string) error {
	if channelID == "" {
		return errors.New("channel id is required")
	}
	connected := s.conn.State() == StateConnected

	s.mu.Lock()
	if s.current == channelID {
		switch s.channels[channelID].SubscriptionState {
		case SubscriptionJoined, SubscriptionJoining:
			s.mu.Unlock()
			return nil
		}
	}

	leaveID := ""
	if prev := s.current; prev != "" && prev != channelID {
		if s.leaveLocked(prev) {
			leaveID = prev
		}
	}

	s.current = channelID
	s.joinSent = false
	delete(s.rejected, channelID)
	s.setLocked(channelID, SubscriptionJoining)
	send := connected && s.claimJoinLocked()
	s.mu.Unlock()

	if leaveID != "" && connected {
		s.sendLeave(ctx, leaveID)
	}
	// The connection may have reached Connected after the state was read but
	// before the join was recorded, in which case the replay saw nothing.
	if !send && s.conn.State() == StateConnected {
		s.mu.Lock()
		send = s.current == channelID &&
			s.channels[channelID].SubscriptionState == SubscriptionJoining &&
			s.claimJoinLocked()
		s.mu.Unlock()
	}
	if send {
		s.sendJoin(ctx, channelID)
	} else {
		s.logger.Debug("join queued until connected", "channel_id", channelID)
	}
	return nil
}

// AwaitJoined blocks until channelID is joined, its join is rejected, it is
// left, or ctx is done.
func (s *ChannelSubscription) AwaitJoined(ctx context.Context, channelID string) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	switch {
	case ok && ch.SubscriptionState == SubscriptionJoined:
		s.mu.Unlock()
		return nil
	case !ok || s.current != channelID || ch.SubscriptionState != SubscriptionJoining:
		err := s.rejected[channelID]
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrNotJoined
	}
	wait := make(chan error, 1)
	s.waiters[channelID] = append(s.waiters[channelID], wait)
	s.mu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		ws := s.waiters[channelID]
		for i, w := range ws {
			if w == wait {
				s.waiters[channelID] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Leave moves channelID from joined or joining to left. Safe to call for a
// channel that was never joined.
func (s *ChannelSubscription) Leave(ctx context.Context, channelID string) error {
	s.mu.Lock()
	left := s.leaveLocked(channelID)
	if s.current == channelID {
		s.current = ""
		s.joinSent = false
	}
	s.mu.Unlock()

	if left && s.conn.State() == StateConnected {
		s.sendLeave(ctx, channelID)
	}
	return nil
}

// leaveLocked marks channelID left and releases its waiters. It reports
// whether the channel was joined or joining.
func (s *ChannelSubscription) leaveLocked(channelID string) bool {
	ch, ok := s.channels[channelID]
	if !ok {
		return false
	}
	switch ch.SubscriptionState {
	case SubscriptionJoined, SubscriptionJoining:
		ch.SubscriptionState = SubscriptionLeft
		s.resolveLocked(channelID, ErrChannelLeft)
		return true
	}
	return false
}

func (s *ChannelSubscription) setLocked(channelID string, state SubscriptionState) {
	ch, ok := s.channels[channelID]
	if !ok {
		ch = &Channel{ID: channelID, Kind: ChannelChat}
		s.channels[channelID] = ch
	}
	ch.SubscriptionState = state
}

// claimJoinLocked reserves the single in-flight join for the current
// channel on the current connection.
func (s *ChannelSubscription) claimJoinLocked() bool {
	if s.joinSent {
		return false
	}
	s.joinSent = true
	return true
}

func (s *ChannelSubscription) resolveLocked(channelID string, err error) {
	for _, w := range s.waiters[channelID] {
		w <- err
	}
	delete(s.waiters, channelID)
}

func (s *ChannelSubscription) sendJoin(ctx context.Context, channelID string) {
	err := s.conn.Send(ctx, Command{
		Type:    CommandJoin,
		Payload: ChannelPayload{ChannelID: channelID},
	})
	if err == nil {
		return
	}
	s.logger.Warn("join not sent, will retry on reconnect", "channel_id", channelID, "error", err)
	s.mu.Lock()
	if s.current == channelID {
		s.joinSent = false
	}
	s.mu.Unlock()
}

func (s *ChannelSubscription) sendLeave(ctx context.Context, channelID string) {
	err := s.conn.Send(ctx, Command{
		Type:    CommandLeave,
		Payload: ChannelPayload{ChannelID: channelID},
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn("leave not sent", "channel_id", channelID, "error", err)
	}
}

func (s *ChannelSubscription) onTransition(t Transition) {
	if t.To == StateConnected {
		s.mu.Lock()
		id := s.current
		replay := id != "" && s.channels[id].SubscriptionState == SubscriptionJoining && s.claimJoinLocked()
		s.mu.Unlock()
		if replay {
			s.logger.Info("rejoining channel", "channel_id", id)
			s.sendJoin(context.Background(), id)
		}
		return
	}
	if t.From == StateConnected || t.From == StateConnecting {
		s.mu.Lock()
		s.joinSent = false
		if id := s.current; id != "" && s.channels[id].SubscriptionState == SubscriptionJoined {
			s.channels[id].SubscriptionState = SubscriptionJoining
		}
		s.mu.Unlock()
	}
}

func (s *ChannelSubscription) handleJoined(env Envelope) {
	p, err := decodePayload[ChannelPayload](env)
	if err != nil {
		s.protocolError(env, err)
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[p.ChannelID]
	if !ok || s.current != p.ChannelID || ch.SubscriptionState != SubscriptionJoining {
		s.mu.Unlock()
		s.protocolError(env, &ProtocolError{EventType: string(env.Type), Detail: "no pending join for channel " + p.ChannelID})
		return
	}
	ch.SubscriptionState = SubscriptionJoined
	if p.Kind != "" {
		ch.Kind = p.Kind
	}
	s.resolveLocked(p.ChannelID, nil)
	s.mu.Unlock()
	s.logger.Info("joined channel", "channel_id", p.ChannelID)
}

func (s *ChannelSubscription) handleRejected(env Envelope) {
	p, err := decodePayload[ChannelPayload](env)
	if err != nil {
		s.protocolError(env, err)
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[p.ChannelID]
	if !ok || s.current != p.ChannelID || ch.SubscriptionState != SubscriptionJoining {
		s.mu.Unlock()
		s.protocolError(env, &ProtocolError{EventType: string(env.Type), Detail: "no pending join for channel " + p.ChannelID})
		return
	}
	accessErr := &ChannelAccessError{ChannelID: p.ChannelID, Reason: p.Reason}
	ch.SubscriptionState = SubscriptionLeft
	s.joinSent = false
	s.rejected[p.ChannelID] = accessErr
	s.resolveLocked(p.ChannelID, accessErr)
	s.mu.Unlock()
	s.logger.Warn("join rejected", "channel_id", p.ChannelID, "error", accessErr)
}

func (s *ChannelSubscription) protocolError(env Envelope, err error) {
	s.logger.Warn("dropping event", "event", env.Type, "error", err)
	s.metrics.protocolError(env.Type)
}
