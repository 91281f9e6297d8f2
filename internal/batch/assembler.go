package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/message"
)

// ReleaseReason records what closed a batch.
type ReleaseReason string

const (
	ReasonMaxSize        ReleaseReason = "max_size"
	ReasonMinSizeTimeout ReleaseReason = "min_size_timeout"
	ReasonExtendedWait   ReleaseReason = "extended_wait"
	ReasonForced         ReleaseReason = "forced"
)

// Envelope is one released batch. It is immutable after release and consumed
// exactly once by the sink.
type Envelope struct {
	ID          string            `json:"id"`
	Messages    []message.Message `json:"messages"`
	Size        int               `json:"size"`
	AssembledAt time.Time         `json:"assembled_at"`
	Reason      ReleaseReason     `json:"reason"`
}

// Sink consumes released envelopes. It runs under the assembler lock and must
// not call back into the assembler.
type Sink func(Envelope)

// Config bounds batch size and wait.
type Config struct {
	MinSize int           `json:"min_size"`
	MaxSize int           `json:"max_size"`
	MaxWait time.Duration `json:"max_wait"`
}

// Validate rejects configurations the assembler cannot honor.
func (c Config) Validate() error {
	if c.MinSize < 1 {
		return fmt.Errorf("batch: min_size %d < 1", c.MinSize)
	}
	if c.MaxSize < c.MinSize {
		return fmt.Errorf("batch: max_size %d < min_size %d", c.MaxSize, c.MinSize)
	}
	if c.MaxWait <= 0 {
		return errors.New("batch: max_wait must be positive")
	}
	return nil
}

// Stats is a snapshot of assembler counters.
type Stats struct {
	Processed     int64         `json:"processed"`
	BatchesSent   int64         `json:"batches_sent"`
	CurrentSize   int           `json:"current_size"`
	AverageSize   float64       `json:"average_size"`
	AverageWait   time.Duration `json:"average_wait"`
	Efficiency    float64       `json:"efficiency"`
	LastReleaseAt time.Time     `json:"last_release_at"`

	ByReason map[ReleaseReason]int64 `json:"by_reason"`
}

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("batch: assembler closed")

// Assembler accumulates messages and releases them as envelopes when the
// batch fills, when the wait window elapses, or on demand. An in-flight batch
// moves EMPTY -> FILLING -> RELEASING -> EMPTY; envelopes are never re-opened.
type Assembler struct {
	cfg    Config
	sink   Sink
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	pending  []message.Message
	firstAt  time.Time
	timer    *clock.Timer
	timerGen uint64
	extended bool
	closed   bool

	processed int64
	batches   int64
	sizeSum   int64
	waitSum   time.Duration
	lastSent  time.Time
	byReason  map[ReleaseReason]int64
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock substitutes the wall clock, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(a *Assembler) { a.clk = clk }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// New validates cfg and returns an assembler feeding sink.
func New(cfg Config, sink Sink, opts ...Option) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("batch: nil sink")
	}
	a := &Assembler{
		cfg:      cfg,
		sink:     sink,
		clk:      clock.New(),
		logger:   zap.NewNop(),
		byReason: make(map[ReleaseReason]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Enqueue appends msg to the current batch. A full batch releases
// immediately; the first message of an empty batch arms the wait timer.
func (a *Assembler) Enqueue(msg message.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	a.pending = append(a.pending, msg)
	a.processed++

	if len(a.pending) >= a.cfg.MaxSize {
		a.releaseLocked(ReasonMaxSize)
		return nil
	}
	if len(a.pending) == 1 {
		a.firstAt = a.clk.Now()
		a.extended = false
		a.armTimerLocked(a.cfg.MaxWait)
	}
	return nil
}

// ForceRelease drains whatever is pending and returns the released count.
// It is a no-op on an empty batch.
func (a *Assembler) ForceRelease() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.pending)
	if n == 0 {
		return 0
	}
	a.releaseLocked(ReasonForced)
	return n
}

// Pending returns the size of the batch currently filling.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// UpdateConfig replaces the batching bounds for subsequent batches.
func (a *Assembler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	return nil
}

// Stats returns a snapshot of assembler counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		Processed:     a.processed,
		BatchesSent:   a.batches,
		CurrentSize:   len(a.pending),
		LastReleaseAt: a.lastSent,
		ByReason:      make(map[ReleaseReason]int64, len(a.byReason)),
	}
	for r, n := range a.byReason {
		st.ByReason[r] = n
	}
	if a.batches > 0 {
		st.AverageSize = float64(a.sizeSum) / float64(a.batches)
		st.AverageWait = a.waitSum / time.Duration(a.batches)
		st.Efficiency = st.AverageSize / float64(a.cfg.MaxSize)
	}
	return st
}

// Close flushes any pending batch and stops the timer. Enqueue after Close
// fails with ErrClosed.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if len(a.pending) > 0 {
		a.releaseLocked(ReasonForced)
	}
	a.stopTimerLocked()
	a.closed = true
}

// armTimerLocked schedules a wait-window check. timerGen guards against a
// stale timer firing after the batch it was armed for already released.
func (a *Assembler) armTimerLocked(d time.Duration) {
	a.stopTimerLocked()
	a.timerGen++
	gen := a.timerGen
	a.timer = a.clk.AfterFunc(d, func() { a.onTimer(gen) })
}

func (a *Assembler) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Assembler) onTimer(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.timerGen || a.closed || len(a.pending) == 0 {
		return
	}
	if len(a.pending) >= a.cfg.MinSize {
		a.releaseLocked(ReasonMinSizeTimeout)
		return
	}
	if !a.extended {
		// Too small to send yet; extend once to bound worst-case latency for
		// sparse traffic, then send regardless of size.
		a.extended = true
		a.armTimerLocked(a.cfg.MaxWait)
		a.logger.Debug("batch below min size, extending wait",
			zap.Int("size", len(a.pending)),
			zap.Int("min_size", a.cfg.MinSize))
		return
	}
	a.releaseLocked(ReasonExtendedWait)
}

// releaseLocked emits the pending batch as one envelope and resets to EMPTY.
// Caller holds a.mu.
func (a *Assembler) releaseLocked(reason ReleaseReason) {
	msgs := make([]message.Message, len(a.pending))
	copy(msgs, a.pending)
	a.pending = a.pending[:0]
	a.stopTimerLocked()
	a.timerGen++

	now := a.clk.Now()
	env := Envelope{
		ID:          uuid.NewString(),
		Messages:    msgs,
		Size:        len(msgs),
		AssembledAt: now,
		Reason:      reason,
	}

	a.batches++
	a.sizeSum += int64(env.Size)
	if !a.firstAt.IsZero() {
		a.waitSum += now.Sub(a.firstAt)
	}
	a.firstAt = time.Time{}
	a.lastSent = now
	a.byReason[reason]++

	a.logger.Debug("releasing batch",
		zap.String("batch_id", env.ID),
		zap.Int("size", env.Size),
		zap.String("reason", string(reason)))

	// The release stands even if the sink misbehaves; transmission
	// correctness is the sink's responsibility.
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("batch sink panicked", zap.Any("panic", r), zap.String("batch_id", env.ID))
		}
	}()
	a.sink(env)
}
