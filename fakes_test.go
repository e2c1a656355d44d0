package coursechat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkMsg(channelID, id string, sec int) Message {
	return Message{
		ID:             id,
		ChannelID:      channelID,
		SenderID:       "u-" + id,
		Content:        "content " + id,
		Kind:           KindText,
		CreatedAt:      testBase.Add(time.Duration(sec) * time.Second),
		DeliveryStatus: StatusSent,
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Transport ────────────────────────────────────────────

type fakeConn struct {
	in      chan Envelope
	written chan Command

	mu       sync.Mutex
	writeErr error

	dropOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan Envelope),
		written: make(chan Command, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-c.in:
		if !ok {
			return Envelope{}, io.EOF
		}
		return env, nil
	case <-c.closed:
		return Envelope{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.written <- cmd
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// drop simulates the transport going away.
func (c *fakeConn) drop() {
	c.dropOnce.Do(func() { close(c.in) })
}

// push delivers env to the read loop.
func (c *fakeConn) push(t *testing.T, env Envelope) {
	t.Helper()
	select {
	case c.in <- env:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not take %s event", env.Type)
	}
}

func (c *fakeConn) nextCommand(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-c.written:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a command")
		return Command{}
	}
}

func (c *fakeConn) noCommand(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-c.written:
		t.Fatalf("expected no command, got %s %+v", cmd.Type, cmd.Payload)
	case <-time.After(30 * time.Millisecond):
	}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeTransport returns scripted dial results in order, then fallback.
type fakeTransport struct {
	mu          sync.Mutex
	results     []dialResult
	fallback    dialResult
	dials       int
	credentials []string
}

func (f *fakeTransport) script(results ...dialResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	f.credentials = append(f.credentials, credential)
	r := f.fallback
	if len(f.results) > 0 {
		r = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if r.conn == nil {
		return nil, &TransientConnectionError{Op: "dial", Err: errors.New("connection refused")}
	}
	return r.conn, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

var errRefused = &TransientConnectionError{Op: "dial", Err: errors.New("connection refused")}

// instantAfter fires immediately and records the requested delays.
type instantAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (a *instantAfter) after(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	a.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (a *instantAfter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delays)
}

// ── History ──────────────────────────────────────────────

type fetchCall struct {
	channelID string
	limit     int
	before    string
}

// fakeFetcher serves pages from a per-channel history held oldest first.
type fakeFetcher struct {
	mu      sync.Mutex
	history map[string][]Message
	calls   []fetchCall
	err     error
	// gate, when set, holds every fetch until a value is received. Fetches
	// ignore ctx so late results reach the store.
	gate    chan struct{}
	started chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{history: make(map[string][]Message)}
}

func (f *fakeFetcher) seed(channelID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = mkMsg(channelID, channelID+"-m"+pad(i), i)
	}
	f.history[channelID] = msgs
}

func pad(i int) string {
	const digits = "0123456789"
	return string([]byte{digits[i/100%10], digits[i/10%10], digits[i%10]})
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, channelID string, limit int, before string) ([]Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{channelID: channelID, limit: limit, before: before})
	gate, started, err := f.gate, f.started, f.err
	all := f.history[channelID]
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	end := len(all)
	if before != "" {
		end = 0
		for i, m := range all {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memCache is an in-memory MessageCache.
type memCache struct {
	mu    sync.Mutex
	saved map[string][]Message
}

func newMemCache() *memCache {
	return &memCache{saved: make(map[string][]Message)}
}

func (c *memCache) SaveMessages(ctx context.Context, channelID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[channelID] = append(c.saved[channelID], msgs...)
	return nil
}

func (c *memCache) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := c.saved[channelID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Message(nil), all...), nil
}
