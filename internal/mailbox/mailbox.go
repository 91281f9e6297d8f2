package mailbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/pkg/id"
)

// deliveryRetryCap bounds how often a single entry is re-queued after its
// delivery hook fails before it is dropped for good.
const deliveryRetryCap = 3

// Entry is a read-only view of one stored message.
type Entry struct {
	ID               id.ID           `json:"id"`
	Recipient        string          `json:"recipient"`
	Message          message.Message `json:"message"`
	StoredAt         time.Time       `json:"stored_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	Delivered        bool            `json:"delivered"`
}

type entry struct {
	id        id.ID
	msg       message.Message
	storedAt  time.Time
	expiresAt time.Time
	attempts  int
	delivered bool
}

// Config bounds per-recipient storage.
type Config struct {
	MaxPerRecipient int           `json:"max_per_recipient"`
	TTL             time.Duration `json:"ttl"`
	SweepInterval   time.Duration `json:"sweep_interval"`
}

// Validate rejects configurations the mailbox cannot honor.
func (c Config) Validate() error {
	if c.MaxPerRecipient < 1 {
		return fmt.Errorf("mailbox: max_per_recipient %d < 1", c.MaxPerRecipient)
	}
	if c.TTL <= 0 {
		return errors.New("mailbox: ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("mailbox: sweep_interval must be positive")
	}
	return nil
}

// StoreResult reports the outcome of storing for one recipient.
type StoreResult struct {
	Stored  bool `json:"stored"`
	Pending int  `json:"pending"`
	Evicted bool `json:"evicted"`
}

// RecipientInfo summarizes one backlog for the status surface.
type RecipientInfo struct {
	Recipient string        `json:"recipient"`
	Pending   int           `json:"pending"`
	OldestAge time.Duration `json:"oldest_age"`
}

// Stats is a snapshot of mailbox counters.
type Stats struct {
	Stored      int64   `json:"stored"`
	Delivered   int64   `json:"delivered"`
	Expired     int64   `json:"expired"`
	Evicted     int64   `json:"evicted"`
	Dropped     int64   `json:"dropped"`
	Sweeps      int64   `json:"sweeps"`
	Recipients  int     `json:"recipients"`
	SuccessRate float64 `json:"success_rate"`
}

// DeliverFunc pushes one stored message to a reconnected recipient. A non-nil
// error re-queues the entry up to the retry cap.
type DeliverFunc func(recipient string, msg message.Message) error

// DeliveredFunc observes a completed drain with the delivered messages in
// FIFO order.
type DeliveredFunc func(recipient string, msgs []message.Message)

// ExpiredFunc observes how many entries were discarded past their TTL,
// whether by a drain or by the sweeper.
type ExpiredFunc func(n int)

// ErrClosed is returned by Store after Close.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox holds bounded, expiring per-recipient backlogs of undelivered
// messages and drains them when the recipient reconnects.
type Mailbox struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger
	ids    *id.Generator

	deliver     DeliverFunc
	onDelivered DeliveredFunc
	onExpired   ExpiredFunc

	mu       sync.Mutex
	backlogs map[string][]*entry

	stored    int64
	delivered int64
	expired   int64
	evicted   int64
	dropped   int64
	sweeps    int64

	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithClock substitutes the wall clock, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Mailbox) { m.clk = clk }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Mailbox) { m.logger = logger }
}

// WithDeliverFunc sets the per-entry delivery hook used during a drain.
func WithDeliverFunc(fn DeliverFunc) Option {
	return func(m *Mailbox) { m.deliver = fn }
}

// WithDeliveredFunc sets the per-drain observer callback.
func WithDeliveredFunc(fn DeliveredFunc) Option {
	return func(m *Mailbox) { m.onDelivered = fn }
}

// WithExpiredFunc sets the expiry observer callback.
func WithExpiredFunc(fn ExpiredFunc) Option {
	return func(m *Mailbox) { m.onExpired = fn }
}

// New validates cfg, starts the expiry sweeper and returns the mailbox.
func New(cfg Config, opts ...Option) (*Mailbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Mailbox{
		cfg:      cfg,
		clk:      clock.New(),
		logger:   zap.NewNop(),
		ids:      id.NewGenerator(),
		backlogs: make(map[string][]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	// The ticker registers with the clock before New returns so a mock
	// clock advanced immediately afterwards still fires the sweeper.
	ticker := m.clk.Ticker(m.cfg.SweepInterval)
	go m.sweepLoop(ticker)
	return m, nil
}

// Store appends msg to recipient's backlog. A full backlog evicts exactly
// one oldest entry first.
func (m *Mailbox) Store(recipient string, msg message.Message) (StoreResult, error) {
	if recipient == "" {
		return StoreResult{}, errors.New("mailbox: empty recipient")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return StoreResult{}, ErrClosed
	}

	now := m.clk.Now()
	res := StoreResult{Stored: true}

	backlog := m.backlogs[recipient]
	if len(backlog) >= m.cfg.MaxPerRecipient {
		backlog = backlog[1:]
		m.evicted++
		res.Evicted = true
	}
	backlog = append(backlog, &entry{
		id:        m.ids.Next(),
		msg:       msg,
		storedAt:  now,
		expiresAt: now.Add(m.cfg.TTL),
	})
	m.backlogs[recipient] = backlog
	m.stored++
	res.Pending = len(backlog)

	m.logger.Debug("stored offline message",
		zap.String("recipient", recipient),
		zap.Int("pending", res.Pending),
		zap.Bool("evicted", res.Evicted))
	return res, nil
}

// StoreMany stores msg for every recipient, reporting per-recipient results.
func (m *Mailbox) StoreMany(recipients []string, msg message.Message) map[string]StoreResult {
	out := make(map[string]StoreResult, len(recipients))
	for _, r := range recipients {
		res, err := m.Store(r, msg)
		if err != nil {
			res = StoreResult{}
		}
		out[r] = res
	}
	return out
}

// DeliverAll drains recipient's backlog. Expired entries are discarded and
// counted; live entries are delivered oldest first. An entry whose delivery
// hook fails is re-queued until the retry cap, then dropped. The drain
// callback fires once with everything delivered.
//
// The delivery hook runs outside the mailbox lock, so a slow network push
// does not block Store or the sweeper and the hook may re-enter the mailbox.
func (m *Mailbox) DeliverAll(recipient string) []message.Message {
	m.mu.Lock()

	backlog := m.backlogs[recipient]
	if len(backlog) == 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.backlogs, recipient)

	now := m.clk.Now()
	expired := 0
	live := backlog[:0]
	for _, e := range backlog {
		if now.After(e.expiresAt) {
			expired++
			continue
		}
		live = append(live, e)
	}
	m.expired += int64(expired)
	m.mu.Unlock()

	// The drained entries are no longer reachable through the map, so the
	// hook loop owns them without the lock.
	var deliveredMsgs []message.Message
	var requeue []*entry
	dropped := 0
	for _, e := range live {
		e.attempts++
		if err := m.runDeliver(recipient, e.msg); err != nil {
			if e.attempts < deliveryRetryCap {
				requeue = append(requeue, e)
			} else {
				dropped++
				m.logger.Warn("dropping undeliverable offline message",
					zap.String("recipient", recipient),
					zap.String("message_id", e.msg.ID.String()),
					zap.Int("attempts", e.attempts))
			}
			continue
		}
		e.delivered = true
		deliveredMsgs = append(deliveredMsgs, e.msg)
	}

	m.mu.Lock()
	m.delivered += int64(len(deliveredMsgs))
	m.dropped += int64(dropped)
	if len(requeue) > 0 {
		// Re-queued entries predate anything stored during the drain.
		m.backlogs[recipient] = append(requeue, m.backlogs[recipient]...)
	}
	m.mu.Unlock()

	if expired > 0 {
		m.invokeExpired(expired)
	}
	if len(deliveredMsgs) > 0 {
		m.invokeDelivered(recipient, deliveredMsgs)
	}
	return deliveredMsgs
}

// Peek returns up to limit pending entries without delivering them.
func (m *Mailbox) Peek(recipient string, limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var out []Entry
	for _, e := range m.backlogs[recipient] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, Entry{
			ID:               e.id,
			Recipient:        recipient,
			Message:          e.msg,
			StoredAt:         e.storedAt,
			ExpiresAt:        e.expiresAt,
			DeliveryAttempts: e.attempts,
			Delivered:        e.delivered,
		})
	}
	return out
}

// PendingCount returns the number of live entries waiting for recipient.
func (m *Mailbox) PendingCount(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	n := 0
	for _, e := range m.backlogs[recipient] {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

// OfflineRecipients lists every backlog with live entries, oldest first.
func (m *Mailbox) OfflineRecipients() []RecipientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var out []RecipientInfo
	for r, backlog := range m.backlogs {
		info := RecipientInfo{Recipient: r}
		var oldest time.Time
		for _, e := range backlog {
			if now.After(e.expiresAt) {
				continue
			}
			info.Pending++
			if oldest.IsZero() || e.storedAt.Before(oldest) {
				oldest = e.storedAt
			}
		}
		if info.Pending > 0 {
			info.OldestAge = now.Sub(oldest)
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OldestAge > out[j].OldestAge })
	return out
}

// Clear drops recipient's backlog and returns how many entries were dropped.
func (m *Mailbox) Clear(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.backlogs[recipient])
	delete(m.backlogs, recipient)
	return n
}

// ClearAll drops every backlog.
func (m *Mailbox) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, backlog := range m.backlogs {
		n += len(backlog)
	}
	m.backlogs = make(map[string][]*entry)
	return n
}

// SweepNow removes expired entries from every backlog immediately and
// returns how many were removed.
func (m *Mailbox) SweepNow() int {
	m.mu.Lock()
	removed := m.sweepLocked()
	m.mu.Unlock()
	if removed > 0 {
		m.invokeExpired(removed)
	}
	return removed
}

// UpdateConfig replaces the capacity and TTL bounds for subsequent stores.
// Already-stored entries keep their expiry; the sweep cadence is fixed at
// construction.
func (m *Mailbox) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

// Stats returns a snapshot of mailbox counters.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Stored:     m.stored,
		Delivered:  m.delivered,
		Expired:    m.expired,
		Evicted:    m.evicted,
		Dropped:    m.dropped,
		Sweeps:     m.sweeps,
		Recipients: len(m.backlogs),
	}
	if outcomes := m.delivered + m.expired; outcomes > 0 {
		st.SuccessRate = float64(m.delivered) / float64(outcomes)
	}
	return st
}

// Close stops the sweeper. Stored entries remain readable but nothing new is
// accepted.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("mailbox sweeper did not stop within join timeout")
	}
}

func (m *Mailbox) sweepLoop(ticker *clock.Ticker) {
	defer close(m.done)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			removed := m.sweepLocked()
			m.mu.Unlock()
			if removed > 0 {
				m.invokeExpired(removed)
				m.logger.Debug("swept expired offline messages", zap.Int("removed", removed))
			}
		}
	}
}

// sweepLocked discards expired entries and empty backlogs. Caller holds m.mu.
func (m *Mailbox) sweepLocked() int {
	now := m.clk.Now()
	removed := 0
	for r, backlog := range m.backlogs {
		kept := backlog[:0]
		for _, e := range backlog {
			if now.After(e.expiresAt) {
				m.expired++
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.backlogs, r)
		} else {
			m.backlogs[r] = kept
		}
	}
	m.sweeps++
	return removed
}

// runDeliver shields the drain from a panicking delivery hook.
func (m *Mailbox) runDeliver(recipient string, msg message.Message) (err error) {
	if m.deliver == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return m.deliver(recipient, msg)
}

func (m *Mailbox) invokeExpired(n int) {
	if m.onExpired == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("expiry callback panicked", zap.Any("panic", r))
		}
	}()
	m.onExpired(n)
}

func (m *Mailbox) invokeDelivered(recipient string, msgs []message.Message) {
	if m.onDelivered == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("offline delivery callback panicked", zap.Any("panic", r))
		}
	}()
	m.onDelivered(recipient, msgs)
}
