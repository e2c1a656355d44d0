package coursechat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// HistoryFetcher is the paginated read interface. before is the ID of the
// oldest message already held, or "" for the newest page.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, channelID string, limit int, before string) ([]Message, error)
}

// MessageCache persists server-confirmed messages so the newest page can be
// shown while the history endpoint is unreachable.
type MessageCache interface {
	SaveMessages(ctx context.Context, channelID string, msgs []Message) error
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// ChangeKind classifies a StoreChange.
type ChangeKind string

const (
	ChangeReplaced  ChangeKind = "replaced"
	ChangePrepended ChangeKind = "prepended"
	ChangeAppended  ChangeKind = "appended"
	ChangeUpdated   ChangeKind = "updated"
)

// StoreChange tells observers which channel changed and how.
type StoreChange struct {
	ChannelID string
	Kind      ChangeKind
}

// ============================================================================
// Channel log
// ============================================================================

type channelLog struct {
	messages []Message
	ids      map[string]struct{}

	loaded    bool
	fromCache bool
	hasOlder  bool

	// generation invalidates in-flight loads when the channel is switched away.
	generation uint64
	nextLoad   uint64
	olderLoad  uint64
	cancels    map[uint64]context.CancelFunc
}

func newChannelLog() *channelLog {
	return &channelLog{
		ids:     make(map[string]struct{}),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

func (l *channelLog) find(id string) int {
	if _, ok := l.ids[id]; !ok {
		return -1
	}
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *channelLog) insert(m Message) {
	pos := sort.Search(len(l.messages), func(i int) bool {
		return !l.messages[i].before(m)
	})
	l.messages = slices.Insert(l.messages, pos, m)
	l.ids[m.ID] = struct{}{}
}

func (l *channelLog) removeAt(i int) Message {
	m := l.messages[i]
	l.messages = slices.Delete(l.messages, i, i+1)
	delete(l.ids, m.ID)
	return m
}

// merge applies m under the ordered-merge contract: a known ID only has its
// status upgraded, a push echoing a pending local entry's client id replaces
// that entry, anything else is inserted in (CreatedAt, ID) position.
func (l *channelLog) merge(m Message) bool {
	if i := l.find(m.ID); i >= 0 {
		cur := &l.messages[i]
		next := cur.DeliveryStatus.upgrade(m.DeliveryStatus)
		if next == cur.DeliveryStatus {
			return false
		}
		cur.DeliveryStatus = next
		return true
	}

	if m.ClientID != "" && !m.IsLocal() {
		if i := l.find(localIDPrefix + m.ClientID); i >= 0 && l.messages[i].DeliveryStatus == StatusPending {
			l.removeAt(i)
			m.DeliveryStatus = StatusSent.upgrade(m.DeliveryStatus)
		}
	}
	l.insert(m)
	return true
}

// oldestServerID is the pagination cursor: the oldest entry that carries a
// server-assigned id.
func (l *channelLog) oldestServerID() string {
	for _, m := range l.messages {
		if !m.IsLocal() {
			return m.ID
		}
	}
	return ""
}

func (l *channelLog) beginLoad(ctx context.Context) (context.Context, uint64, uint64) {
	l.nextLoad++
	id := l.nextLoad
	cctx, cancel := context.WithCancel(ctx)
	l.cancels[id] = cancel
	return cctx, id, l.generation
}

func (l *channelLog) endLoad(id uint64) {
	if cancel, ok := l.cancels[id]; ok {
		cancel()
		delete(l.cancels, id)
	}
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStoreConfig wires a MessageStore.
type MessageStoreConfig struct {
	Fetcher  HistoryFetcher
	Cache    MessageCache
	PageSize int
	Logger   *slog.Logger
	Metrics  *Metrics
}

// MessageStore is the ordered, deduplicated view of each channel's history.
// Pushes, history pages and local sends all go through the same merge, so
// the final order never depends on arrival order.
type MessageStore struct {
	fetcher  HistoryFetcher
	cache    MessageCache
	pageSize int
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	channels map[string]*channelLog

	obsMu     sync.RWMutex
	nextObs   uint64
	observers []storeObserver
}

type storeObserver struct {
	id uint64
	fn func(StoreChange)
}

// NewMessageStore creates an empty store.
func NewMessageStore(cfg MessageStoreConfig) *MessageStore {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MessageStore{
		fetcher:  cfg.Fetcher,
		cache:    cfg.Cache,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger.With("component", "store"),
		metrics:  cfg.Metrics,
		channels: make(map[string]*channelLog),
	}
}

// PageSize returns the number of messages requested per page.
func (s *MessageStore) PageSize() int { return s.pageSize }

func (s *MessageStore) logLocked(channelID string) *channelLog {
	l, ok := s.channels[channelID]
	if !ok {
		l = newChannelLog()
		s.channels[channelID] = l
	}
	return l
}

// ── Loading ──────────────────────────────────────────────

// LoadInitialPage fetches the newest page of channelID and replaces the
// channel's history with it. Pushed and local messages that are not older
// than the page survive the replace. HasOlderPage becomes true when the page
// was full.
//
// If the fetch fails and a cache holds messages for the channel, those are
// shown instead and the fetch error is still returned.
func (s *MessageStore) LoadInitialPage(ctx context.Context, channelID string) error {
	s.mu.Lock()
	l := s.logLocked(channelID)
	lctx, loadID, gen := l.beginLoad(ctx)
	s.mu.Unlock()

	start := time.Now()
	page, err := s.fetcher.FetchMessages(lctx, channelID, s.pageSize, "")
	s.metrics.historyFetch("initial", start, err)

	s.mu.Lock()
	l.endLoad(loadID)
	if l.generation != gen {
		s.mu.Unlock()
		return ErrLoadCancelled
	}
	if err != nil {
		s.mu.Unlock()
		s.fallbackToCache(ctx, channelID, gen)
		return fmt.Errorf("load initial page for %s: %w", channelID, err)
	}
	normalizePage(page, channelID)
	s.replaceLocked(l, page)
	l.fromCache = false
	s.mu.Unlock()

	s.metrics.stored("history", len(page))
	s.notify(StoreChange{ChannelID: channelID, Kind: ChangeReplaced})
	s.persist(channelID, page)
	return nil
}

func (s *MessageStore) fallbackToCache(ctx context.Context, channelID string, gen uint64) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.RecentMessages(ctx, channelID, s.pageSize)
	if err != nil {
		s.logger.Warn("cache read failed", "channel_id", channelID, "error", err)
		return
	}
	if len(cached) == 0 {
		return
	}

	s.mu.Lock()
	l := s.logLocked(channelID)
	if l.generation != gen || (l.loaded && !l.fromCache) {
		s.mu.Unlock()
		return
	}
	normalizePage(cached, channelID)
	s.replaceLocked(l, cached)
	l.fromCache = true
	s.mu.Unlock()

	s.logger.Info("showing cached history", "channel_id", channelID, "count", len(cached))
	s.metrics.stored("cache", len(cached))
	s.notify(StoreChange{ChannelID: channelID, Kind: ChangeReplaced})
}

func (s *MessageStore) replaceLocked(l *channelLog, page []Message) {
	var oldest *Message
	for i := range page {
		if oldest == nil || page[i].before(*oldest) {
			oldest = &page[i]
		}
	}

	kept := l.messages
	l.messages = make([]Message, 0, len(page)+len(kept))
	l.ids = make(map[string]struct{}, len(page)+len(kept))
	for _, m := range kept {
		if oldest == nil || m.IsLocal() || !m.before(*oldest) {
			l.insert(m)
		}
	}
	for _, m := range page {
		l.merge(m)
	}
	l.loaded = true
	l.hasOlder = len(page) >= s.pageSize
}

// LoadOlderPage fetches the page strictly older than the oldest held
// message and prepends it. It is a no-op until the initial page is loaded,
// when no older page exists, or while another older-page load for the
// channel is in flight.
func (s *MessageStore) LoadOlderPage(ctx context.Context, channelID string) error {
	s.mu.Lock()
	l := s.logLocked(channelID)
	cursor := l.oldestServerID()
	if !l.loaded || !l.hasOlder || l.olderLoad != 0 || cursor == "" {
		s.mu.Unlock()
		return nil
	}
	lctx, loadID, gen := l.beginLoad(ctx)
	l.olderLoad = loadID
	s.mu.Unlock()

	start := time.Now()
	page, err := s.fetcher.FetchMessages(lctx, channelID, s.pageSize, cursor)
	s.metrics.historyFetch("older", start, err)

	s.mu.Lock()
	l.endLoad(loadID)
	if l.olderLoad == loadID {
		l.olderLoad = 0
	}
	if l.generation != gen {
		s.mu.Unlock()
		return ErrLoadCancelled
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load older page for %s: %w", channelID, err)
	}
	normalizePage(page, channelID)
	for _, m := range page {
		l.merge(m)
	}
	l.hasOlder = len(page) >= s.pageSize
	s.mu.Unlock()

	s.metrics.stored("history", len(page))
	s.notify(StoreChange{ChannelID: channelID, Kind: ChangePrepended})
	s.persist(channelID, page)
	return nil
}

// LoadingOlder reports whether an older-page fetch is in flight.
func (s *MessageStore) LoadingOlder(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.channels[channelID]; ok {
		return l.olderLoad != 0
	}
	return false
}

// CancelLoads discards the results of every in-flight load for channelID.
func (s *MessageStore) CancelLoads(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.channels[channelID]
	if !ok {
		return
	}
	l.generation++
	for id, cancel := range l.cancels {
		cancel()
		delete(l.cancels, id)
	}
	l.olderLoad = 0
}

// ── Live updates ─────────────────────────────────────────

// Append merges a pushed message. A message whose ID is already held only
// upgrades that entry's delivery status.
func (s *MessageStore) Append(m Message) error {
	if m.ID == "" || m.ChannelID == "" {
		return &ProtocolError{EventType: string(EventNewMessage), Detail: "message without id or channel"}
	}
	normalize(&m, m.ChannelID)

	s.mu.Lock()
	l := s.logLocked(m.ChannelID)
	existed := l.find(m.ID) >= 0
	changed := l.merge(m)
	s.mu.Unlock()

	if !changed {
		return nil
	}
	kind := ChangeAppended
	if existed {
		kind = ChangeUpdated
	}
	if m.IsLocal() {
		s.metrics.stored("local", 1)
	} else {
		s.metrics.stored("push", 1)
		s.persist(m.ChannelID, []Message{m})
	}
	s.notify(StoreChange{ChannelID: m.ChannelID, Kind: kind})
	return nil
}

// Reconcile resolves the pending entry for localID with a positive ack: the
// entry becomes sent and takes the server id, and the ack's content and
// creation time when present. Reconcile is idempotent; it reports whether
// the store changed.
func (s *MessageStore) Reconcile(channelID, localID string, ack SendAck) bool {
	if ack.MessageID == "" {
		return false
	}

	s.mu.Lock()
	l := s.logLocked(channelID)
	var result Message
	changed := false

	li := l.find(localIDPrefix + localID)
	switch {
	case li >= 0 && l.messages[li].DeliveryStatus == StatusPending:
		local := l.removeAt(li)
		if si := l.find(ack.MessageID); si >= 0 {
			cur := &l.messages[si]
			cur.ClientID = localID
			cur.DeliveryStatus = cur.DeliveryStatus.upgrade(StatusSent)
			result = *cur
		} else {
			local.ID = ack.MessageID
			local.DeliveryStatus = StatusSent
			if ack.Content != "" {
				local.Content = ack.Content
			}
			if ack.CreatedAt != nil && !ack.CreatedAt.IsZero() {
				local.CreatedAt = *ack.CreatedAt
			}
			l.insert(local)
			result = local
		}
		changed = true

	case li < 0:
		if si := l.find(ack.MessageID); si >= 0 {
			cur := &l.messages[si]
			next := cur.DeliveryStatus.upgrade(StatusSent)
			changed = next != cur.DeliveryStatus
			cur.DeliveryStatus = next
			result = *cur
		}
	}
	s.mu.Unlock()

	if changed {
		s.metrics.stored("ack", 1)
		s.notify(StoreChange{ChannelID: channelID, Kind: ChangeUpdated})
		s.persist(channelID, []Message{result})
	}
	return changed
}

// MarkFailed moves the pending entry for localID to failed. It reports
// whether the entry was pending.
func (s *MessageStore) MarkFailed(channelID, localID, reason string) bool {
	s.mu.Lock()
	l := s.logLocked(channelID)
	i := l.find(localIDPrefix + localID)
	ok := i >= 0 && l.messages[i].DeliveryStatus == StatusPending
	if ok {
		l.messages[i].DeliveryStatus = StatusFailed
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("message marked failed", "channel_id", channelID, "local_id", localID, "reason", reason)
		s.notify(StoreChange{ChannelID: channelID, Kind: ChangeUpdated})
	}
	return ok
}

// ── Reads ────────────────────────────────────────────────

// Messages returns the channel's history in (CreatedAt, ID) order. Each
// range over the sequence reads a fresh snapshot, so it can be iterated any
// number of times.
func (s *MessageStore) Messages(channelID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.Snapshot(channelID) {
			if !yield(m) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the channel's ordered history.
func (s *MessageStore) Snapshot(channelID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return slices.Clone(l.messages)
}

// Message looks up one message by id.
func (s *MessageStore) Message(channelID, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.channels[channelID]
	if !ok {
		return Message{}, false
	}
	if i := l.find(id); i >= 0 {
		return l.messages[i], true
	}
	return Message{}, false
}

// Len returns the number of messages held for channelID.
func (s *MessageStore) Len(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.channels[channelID]; ok {
		return len(l.messages)
	}
	return 0
}

// HasOlderPage reports whether older history is known to exist.
func (s *MessageStore) HasOlderPage(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.channels[channelID]; ok {
		return l.hasOlder
	}
	return false
}

// FromCache reports whether the channel currently shows cached history.
func (s *MessageStore) FromCache(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.channels[channelID]; ok {
		return l.fromCache
	}
	return false
}

// ── Observers ────────────────────────────────────────────

// OnChange registers fn for every store change and returns a function
// removing it.
func (s *MessageStore) OnChange(fn func(StoreChange)) (off func()) {
	s.obsMu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers = append(s.observers, storeObserver{id: id, fn: fn})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *MessageStore) notify(c StoreChange) {
	s.obsMu.RLock()
	observers := append([]storeObserver(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("store observer panicked", "panic", r)
				}
			}()
			o.fn(c)
		}()
	}
}

func (s *MessageStore) persist(channelID string, msgs []Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	confirmed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsLocal() {
			confirmed = append(confirmed, m)
		}
	}
	if len(confirmed) == 0 {
		return
	}
	if err := s.cache.SaveMessages(context.Background(), channelID, confirmed); err != nil {
		s.logger.Warn("cache write failed", "channel_id", channelID, "error", err)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func normalize(m *Message, channelID string) {
	if m.ChannelID == "" {
		m.ChannelID = channelID
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = StatusSent
	}
}

func normalizePage(page []Message, channelID string) {
	for i := range page {
		normalize(&page[i], channelID)
	}
}
