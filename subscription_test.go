package coursechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeConnection is a Connection whose state the test drives directly.
type fakeConnection struct {
	mu        sync.Mutex
	state     ConnectionState
	sent      []Command
	sendErr   error
	listeners []func(Transition)
}

func (c *fakeConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConnection) Send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConnection) OnStateChange(fn func(Transition)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
	return func() {}
}

func (c *fakeConnection) set(to ConnectionState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	listeners := append(([]func(Transition))(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(Transition{From: from, To: to})
	}
}

func (c *fakeConnection) commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.sent...)
}

func channelOf(cmd Command) string {
	if p, ok := cmd.Payload.(ChannelPayload); ok {
		return p.ChannelID
	}
	return ""
}

func publish(t *testing.T, bus *Bus, typ EventType, payload interface{}) {
	t.Helper()
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	bus.Publish(env)
}

func newTestSubscription(state ConnectionState) (*ChannelSubscription, *fakeConnection, *Bus, *Metrics) {
	conn := &fakeConnection{state: state}
	bus := NewBus(testLogger())
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewChannelSubscription(conn, bus, testLogger(), metrics), conn, bus, metrics
}

func TestChannelSubscription_JoinConnected(t *testing.T) {
	s, conn, bus, _ := newTestSubscription(StateConnected)
	ctx := context.Background()

	if err := s.Join(ctx, "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.State("c1") != SubscriptionJoining {
		t.Fatalf("expected joining, got %s", s.State("c1"))
	}
	cmds := conn.commands()
	if len(cmds) != 1 || cmds[0].Type != CommandJoin || channelOf(cmds[0]) != "c1" {
		t.Fatalf("expected join c1, got %+v", cmds)
	}

	t.Run("second join is a no-op", func(t *testing.T) {
		s.Join(ctx, "c1")
		if n := len(conn.commands()); n != 1 {
			t.Fatalf("expected 1 command, got %d", n)
		}
	})

	done := make(chan error, 1)
	go func() { done <- s.AwaitJoined(ctx, "c1") }()
	time.Sleep(10 * time.Millisecond)
	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "c1", Kind: ChannelDiscussion})

	if err := <-done; err != nil {
		t.Fatalf("AwaitJoined: %v", err)
	}
	ch, ok := s.Current()
	if !ok || ch.SubscriptionState != SubscriptionJoined || ch.Kind != ChannelDiscussion {
		t.Fatalf("expected joined discussion channel, got %+v", ch)
	}
	if err := s.AwaitJoined(ctx, "c1"); err != nil {
		t.Fatalf("AwaitJoined on joined channel: %v", err)
	}
}

func TestChannelSubscription_QueuedUntilConnected(t *testing.T) {
	s, conn, _, _ := newTestSubscription(StateDisconnected)

	s.Join(context.Background(), "c1")
	if len(conn.commands()) != 0 {
		t.Fatal("expected join to be queued")
	}
	if s.State("c1") != SubscriptionJoining {
		t.Fatalf("expected joining, got %s", s.State("c1"))
	}

	conn.set(StateConnecting)
	conn.set(StateConnected)
	cmds := conn.commands()
	if len(cmds) != 1 || channelOf(cmds[0]) != "c1" {
		t.Fatalf("expected queued join replayed, got %+v", cmds)
	}
}

// staleStateConnection reports Reconnecting on its first State call after
// completing the transition to Connected, as a reconnect finishing
// concurrently with Join would.
type staleStateConnection struct {
	*fakeConnection
	once sync.Once
}

func (c *staleStateConnection) State() ConnectionState {
	stale := false
	c.once.Do(func() {
		c.fakeConnection.set(StateConnected)
		stale = true
	})
	if stale {
		return StateReconnecting
	}
	return c.fakeConnection.State()
}

func TestChannelSubscription_JoinDuringReconnect(t *testing.T) {
	conn := &staleStateConnection{fakeConnection: &fakeConnection{state: StateReconnecting}}
	bus := NewBus(testLogger())
	s := NewChannelSubscription(conn, bus, testLogger(), nil)

	if err := s.Join(context.Background(), "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	cmds := conn.commands()
	if len(cmds) != 1 || cmds[0].Type != CommandJoin || channelOf(cmds[0]) != "c1" {
		t.Fatalf("expected one join for c1, got %+v", cmds)
	}

	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "c1"})
	if got := s.State("c1"); got != SubscriptionJoined {
		t.Fatalf("expected joined, got %s", got)
	}
}

func TestChannelSubscription_SwitchLeavesFirst(t *testing.T) {
	s, conn, bus, _ := newTestSubscription(StateConnected)
	ctx := context.Background()

	s.Join(ctx, "A")
	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "A"})
	if s.State("A") != SubscriptionJoined {
		t.Fatalf("expected A joined, got %s", s.State("A"))
	}

	s.Join(ctx, "B")
	if s.State("A") != SubscriptionLeft {
		t.Fatalf("expected A left once B is requested, got %s", s.State("A"))
	}

	cmds := conn.commands()
	if len(cmds) != 3 {
		t.Fatalf("expected join A, leave A, join B, got %+v", cmds)
	}
	if cmds[1].Type != CommandLeave || channelOf(cmds[1]) != "A" {
		t.Fatalf("expected leave A second, got %s %s", cmds[1].Type, channelOf(cmds[1]))
	}
	if cmds[2].Type != CommandJoin || channelOf(cmds[2]) != "B" {
		t.Fatalf("expected join B last, got %s %s", cmds[2].Type, channelOf(cmds[2]))
	}

	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "B"})
	joined := 0
	for _, id := range []string{"A", "B"} {
		if s.State(id) == SubscriptionJoined {
			joined++
		}
	}
	if joined != 1 || s.State("B") != SubscriptionJoined {
		t.Fatalf("expected only B joined, A=%s B=%s", s.State("A"), s.State("B"))
	}

	t.Run("late ack for A is dropped", func(t *testing.T) {
		publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "A"})
		if s.State("A") != SubscriptionLeft {
			t.Fatalf("expected A to stay left, got %s", s.State("A"))
		}
	})
}

func TestChannelSubscription_Rejected(t *testing.T) {
	s, conn, bus, _ := newTestSubscription(StateConnected)
	ctx := context.Background()

	s.Join(ctx, "secret")
	done := make(chan error, 1)
	go func() { done <- s.AwaitJoined(ctx, "secret") }()
	time.Sleep(10 * time.Millisecond)
	publish(t, bus, EventChannelJoinRejected, ChannelPayload{ChannelID: "secret", Reason: "not enrolled"})

	err := <-done
	var accessErr *ChannelAccessError
	if !errors.As(err, &accessErr) || accessErr.Reason != "not enrolled" {
		t.Fatalf("expected ChannelAccessError, got %v", err)
	}
	if s.State("secret") != SubscriptionLeft {
		t.Fatalf("expected left, got %s", s.State("secret"))
	}
	if err := s.AwaitJoined(ctx, "secret"); !errors.As(err, &accessErr) {
		t.Fatalf("expected rejection to be reported again, got %v", err)
	}

	conn.set(StateReconnecting)
	conn.set(StateConnected)
	if n := len(conn.commands()); n != 1 {
		t.Fatalf("expected rejected join not retried, got %d commands", n)
	}
}

func TestChannelSubscription_RejoinAfterDrop(t *testing.T) {
	s, conn, bus, _ := newTestSubscription(StateConnected)
	ctx := context.Background()

	s.Join(ctx, "c1")
	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "c1"})

	conn.set(StateReconnecting)
	if s.State("c1") != SubscriptionJoining {
		t.Fatalf("expected joining while reconnecting, got %s", s.State("c1"))
	}

	conn.set(StateConnected)
	cmds := conn.commands()
	if len(cmds) != 2 || cmds[1].Type != CommandJoin || channelOf(cmds[1]) != "c1" {
		t.Fatalf("expected automatic rejoin, got %+v", cmds)
	}
	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "c1"})
	if s.State("c1") != SubscriptionJoined {
		t.Fatalf("expected joined, got %s", s.State("c1"))
	}
}

func TestChannelSubscription_Leave(t *testing.T) {
	s, conn, bus, _ := newTestSubscription(StateConnected)
	ctx := context.Background()

	if err := s.Leave(ctx, "never"); err != nil {
		t.Fatalf("Leave on unknown channel: %v", err)
	}
	if len(conn.commands()) != 0 {
		t.Fatal("expected no command for unknown channel")
	}

	s.Join(ctx, "c1")
	done := make(chan error, 1)
	go func() { done <- s.AwaitJoined(ctx, "c1") }()
	time.Sleep(10 * time.Millisecond)
	s.Leave(ctx, "c1")

	if err := <-done; !errors.Is(err, ErrChannelLeft) {
		t.Fatalf("expected ErrChannelLeft, got %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatal("expected no current channel")
	}
	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "c1"})
	if s.State("c1") != SubscriptionLeft {
		t.Fatalf("expected left, got %s", s.State("c1"))
	}
}

func TestChannelSubscription_AwaitJoinedTimeout(t *testing.T) {
	s, _, _, _ := newTestSubscription(StateDisconnected)
	s.Join(context.Background(), "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.AwaitJoined(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := s.AwaitJoined(context.Background(), "other"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestChannelSubscription_UnmatchedEvents(t *testing.T) {
	s, _, bus, metrics := newTestSubscription(StateConnected)
	s.Join(context.Background(), "c1")

	publish(t, bus, EventChannelJoined, ChannelPayload{ChannelID: "nope"})
	bus.Publish(Envelope{Type: EventChannelJoined, Payload: []byte("{broken")})

	if got := testutil.ToFloat64(metrics.ProtocolErrors.WithLabelValues(string(EventChannelJoined))); got != 2 {
		t.Fatalf("expected 2 protocol errors, got %v", got)
	}
	if s.State("c1") != SubscriptionJoining {
		t.Fatalf("expected c1 still joining, got %s", s.State("c1"))
	}
}
