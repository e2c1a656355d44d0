package coursechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, t)
}

func (l *transitionLog) states() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConnectionState, len(l.all))
	for i, t := range l.all {
		out[i] = t.To
	}
	return out
}

func newTestManager(t *testing.T, tr Transport, attempts int) (*ConnectionManager, *instantAfter, *transitionLog) {
	t.Helper()
	m := NewConnectionManager(ConnectionManagerConfig{
		Transport: tr,
		Bus:       NewBus(testLogger()),
		Policy:    ReconnectPolicy{MaxAttempts: attempts, Delay: 3 * time.Second, HandshakeTimeout: time.Second},
		Logger:    testLogger(),
	})
	after := &instantAfter{}
	m.after = after.after
	log := &transitionLog{}
	m.OnStateChange(log.record)
	t.Cleanup(func() { m.Disconnect() })
	return m, after, log
}

func TestConnectionState_Transitions(t *testing.T) {
	all := []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed}
	allowed := map[[2]ConnectionState]bool{
		{StateDisconnected, StateConnecting}:   true,
		{StateFailed, StateConnecting}:         true,
		{StateConnecting, StateConnected}:      true,
		{StateConnecting, StateReconnecting}:   true,
		{StateConnecting, StateFailed}:         true,
		{StateConnected, StateReconnecting}:    true,
		{StateReconnecting, StateConnected}:    true,
		{StateReconnecting, StateFailed}:       true,
		{StateConnecting, StateDisconnected}:   true,
		{StateConnected, StateDisconnected}:    true,
		{StateReconnecting, StateDisconnected}: true,
		{StateFailed, StateDisconnected}:       true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]ConnectionState{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestConnectionState_String(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" {
		t.Errorf("expected reconnecting, got %s", StateReconnecting)
	}
	if ConnectionState(42).String() != "unknown" {
		t.Errorf("expected unknown, got %s", ConnectionState(42))
	}
}

func TestConnect_Success(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{}
	tr.script(dialResult{conn: conn})
	m, _, log := newTestManager(t, tr, 3)

	connected := make(chan struct{}, 1)
	m.bus.On(EventConnected, func(Envelope) { connected <- struct{}{} })

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("expected connected, got %s", m.State())
	}
	select {
	case <-connected:
	default:
		t.Fatal("expected a connected event on the bus")
	}

	got := log.states()
	if len(got) != 2 || got[0] != StateConnecting || got[1] != StateConnected {
		t.Fatalf("expected [connecting connected], got %v", got)
	}

	t.Run("connect again is a no-op", func(t *testing.T) {
		if err := m.Connect(context.Background(), "tok"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if tr.dialCount() != 1 {
			t.Fatalf("expected 1 dial, got %d", tr.dialCount())
		}
	})

	t.Run("events are published", func(t *testing.T) {
		got := make(chan Envelope, 1)
		m.bus.On(EventNewMessage, func(env Envelope) { got <- env })
		env, _ := NewEnvelope(EventNewMessage, mkMsg("c1", "m1", 1))
		conn.push(t, env)
		select {
		case e := <-got:
			if e.Type != EventNewMessage {
				t.Fatalf("expected new_message, got %s", e.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event not published")
		}
	})
}

func TestConnect_AuthRejected(t *testing.T) {
	tr := &fakeTransport{}
	tr.script(dialResult{err: &AuthError{Reason: "token expired"}})
	m, after, _ := newTestManager(t, tr, 3)

	err := m.Connect(context.Background(), "old")
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("expected failed, got %s", m.State())
	}
	time.Sleep(20 * time.Millisecond)
	if tr.dialCount() != 1 || after.count() != 0 {
		t.Fatalf("expected no retry, got %d dials and %d waits", tr.dialCount(), after.count())
	}

	t.Run("connect leaves failed", func(t *testing.T) {
		tr.script(dialResult{conn: newFakeConn()})
		if err := m.Connect(context.Background(), "new"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if m.State() != StateConnected {
			t.Fatalf("expected connected, got %s", m.State())
		}
	})
}

func TestReconnect_ExhaustsRetries(t *testing.T) {
	tr := &fakeTransport{}
	m, after, log := newTestManager(t, tr, 3)

	err := m.Connect(context.Background(), "tok")
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	waitFor(t, "failed state", func() bool { return m.State() == StateFailed })

	if tr.dialCount() != 4 {
		t.Fatalf("expected initial dial plus 3 retries, got %d dials", tr.dialCount())
	}
	if after.count() != 3 {
		t.Fatalf("expected 3 delays, got %d", after.count())
	}
	for _, d := range after.delays {
		if d != 3*time.Second {
			t.Errorf("expected 3s delay, got %s", d)
		}
	}
	if !errors.Is(m.Err(), ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", m.Err())
	}

	states := log.states()
	if states[len(states)-1] != StateFailed {
		t.Fatalf("expected last transition to failed, got %v", states)
	}

	time.Sleep(30 * time.Millisecond)
	if tr.dialCount() != 4 {
		t.Fatalf("expected no attempts after failed, got %d dials", tr.dialCount())
	}
}

func TestReconnect_RecoversAndResetsCounter(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	tr := &fakeTransport{}
	tr.script(
		dialResult{conn: first},
		dialResult{err: errRefused},
		dialResult{err: errRefused},
		dialResult{conn: second},
	)
	m, _, _ := newTestManager(t, tr, 3)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.drop()
	waitFor(t, "reconnect", func() bool { return tr.dialCount() == 4 && m.State() == StateConnected })
	if !first.isClosed() {
		t.Error("expected dropped connection to be closed")
	}

	// Two attempts were used above. Three more failures must be allowed.
	second.drop()
	waitFor(t, "failed state", func() bool { return m.State() == StateFailed })
	if got := tr.dialCount(); got != 7 {
		t.Fatalf("expected 3 fresh attempts after reset, got %d total dials", got)
	}
}

func TestReconnect_ServerDisconnectEvent(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	tr := &fakeTransport{}
	tr.script(dialResult{conn: first}, dialResult{conn: second})
	m, _, log := newTestManager(t, tr, 3)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env, _ := NewEnvelope(EventDisconnected, ReasonPayload{Reason: "server restart"})
	first.push(t, env)

	waitFor(t, "reconnect", func() bool { return tr.dialCount() == 2 && m.State() == StateConnected })
	want := []ConnectionState{StateConnecting, StateConnected, StateReconnecting, StateConnected}
	got := log.states()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if log.all[3].Attempt != 1 {
		t.Errorf("expected reconnect on attempt 1, got %d", log.all[3].Attempt)
	}
}

func TestDisconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		conn := newFakeConn()
		tr := &fakeTransport{}
		tr.script(dialResult{conn: conn})
		m, _, log := newTestManager(t, tr, 3)

		if err := m.Connect(context.Background(), "tok"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := m.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if err := m.Disconnect(); err != nil {
			t.Fatalf("second Disconnect: %v", err)
		}
		if m.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", m.State())
		}
		if !conn.isClosed() {
			t.Fatal("expected connection closed")
		}
		n := 0
		for _, s := range log.states() {
			if s == StateDisconnected {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("expected one disconnected transition, got %d", n)
		}
	})

	t.Run("stops reconnect loop", func(t *testing.T) {
		tr := &fakeTransport{}
		m := NewConnectionManager(ConnectionManagerConfig{
			Transport: tr,
			Policy:    ReconnectPolicy{MaxAttempts: 3, Delay: time.Second, HandshakeTimeout: time.Second},
			Logger:    testLogger(),
		})
		release := make(chan time.Time)
		waiting := make(chan struct{}, 4)
		m.after = func(time.Duration) <-chan time.Time {
			waiting <- struct{}{}
			return release
		}

		m.Connect(context.Background(), "tok")
		<-waiting
		if m.State() != StateReconnecting {
			t.Fatalf("expected reconnecting, got %s", m.State())
		}
		m.Disconnect()
		close(release)
		time.Sleep(30 * time.Millisecond)

		if tr.dialCount() != 1 {
			t.Fatalf("expected no dial after disconnect, got %d", tr.dialCount())
		}
		if m.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", m.State())
		}
	})
}

func TestSend(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{}
	tr.script(dialResult{conn: conn})
	m, _, _ := newTestManager(t, tr, 3)

	cmd := Command{Type: CommandJoin, Payload: ChannelPayload{ChannelID: "c1"}}
	if err := m.Send(context.Background(), cmd); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Send(context.Background(), cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := conn.nextCommand(t); got.Type != CommandJoin {
		t.Fatalf("expected join, got %s", got.Type)
	}

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()
	if err := m.Send(context.Background(), cmd); !IsTransient(err) {
		t.Fatalf("expected transient write error, got %v", err)
	}
}
