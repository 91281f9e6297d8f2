package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/message"
)

// AttemptFunc redelivers msg. attempt is 1-based. A nil error marks the
// ticket succeeded; anything else schedules another attempt or abandons.
type AttemptFunc func(msg message.Message, attempt int) error

// SucceededFunc observes a successful redelivery with the total time the
// ticket spent in the scheduler.
type SucceededFunc func(t Ticket, elapsed time.Duration)

// AbandonedFunc observes a dead-lettered ticket after its budget is spent.
type AbandonedFunc func(t Ticket, reason string)

// ArchiveFunc receives abandoned tickets for out-of-band retention.
type ArchiveFunc func(t Ticket)

// Config bounds the backoff schedule.
type Config struct {
	MaxAttempts  int           `json:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	PollInterval time.Duration `json:"poll_interval"`
	HistorySize  int           `json:"history_size"`
}

// Validate rejects schedules the scheduler cannot honor.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts %d < 1", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return errors.New("retry: base_delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry: max_delay %v < base_delay %v", c.MaxDelay, c.BaseDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier %v < 1", c.Multiplier)
	}
	return nil
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Submitted      int64   `json:"submitted"`
	Attempts       int64   `json:"attempts"`
	Succeeded      int64   `json:"succeeded"`
	Abandoned      int64   `json:"abandoned"`
	Waiting        int     `json:"waiting"`
	SuccessRate    float64 `json:"success_rate"`
	AverageRetries float64 `json:"average_retries"`
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("retry: scheduler closed")

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultHistorySize  = 1000
)

// Scheduler redelivers failed messages with capped exponential backoff and
// jitter. Tickets are independent; concurrently eligible tickets may finish
// out of submission order.
type Scheduler struct {
	cfg     Config
	attempt AttemptFunc
	onOK    SucceededFunc
	onDead  AbandonedFunc
	archive ArchiveFunc
	clk     clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	waiting   []*ticket
	completed []Ticket // bounded terminal history, oldest first
	rng       *rand.Rand

	submitted int64
	attempts  int64
	succeeded int64
	abandoned int64

	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the wall clock, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSucceeded registers the success callback.
func WithSucceeded(fn SucceededFunc) Option {
	return func(s *Scheduler) { s.onOK = fn }
}

// WithAbandoned registers the dead-letter callback.
func WithAbandoned(fn AbandonedFunc) Option {
	return func(s *Scheduler) { s.onDead = fn }
}

// WithArchive registers a sink for abandoned tickets.
func WithArchive(fn ArchiveFunc) Option {
	return func(s *Scheduler) { s.archive = fn }
}

// WithRandSource seeds jitter deterministically, used by tests.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) { s.rng = rand.New(src) }
}

// New validates cfg, starts the background poll loop and returns the scheduler.
func New(cfg Config, attempt AttemptFunc, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, errors.New("retry: nil attempt func")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s := &Scheduler{
		cfg:     cfg,
		attempt: attempt,
		clk:     clock.New(),
		logger:  zap.NewNop(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	// The ticker registers with the clock before New returns so a mock
	// clock advanced immediately afterwards still drives the poll loop.
	ticker := s.clk.Ticker(s.cfg.PollInterval)
	go s.loop(ticker)
	return s, nil
}

// Submit registers a failed message. The first retry is scheduled with the
// base backoff delay; the returned snapshot reflects that schedule.
func (s *Scheduler) Submit(msg message.Message, reason string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Ticket{}, ErrClosed
	}

	now := s.clk.Now()
	t := &ticket{
		msg:            msg,
		state:          StatePending,
		maxAttempts:    s.cfg.MaxAttempts,
		firstFailureAt: now,
		lastError:      reason,
		reasons:        []string{reason},
	}
	t.nextEligibleAt = now.Add(s.delayLocked(1))
	s.waiting = append(s.waiting, t)
	s.submitted++

	s.logger.Debug("message entered retry",
		zap.String("message_id", msg.ID.String()),
		zap.String("reason", reason),
		zap.Time("next_eligible_at", t.nextEligibleAt))
	return t.snapshot(), nil
}

// ForceRetryAll makes every waiting ticket immediately eligible and returns
// how many were advanced.
func (s *Scheduler) ForceRetryAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	n := 0
	for _, t := range s.waiting {
		if t.state == StatePending {
			t.nextEligibleAt = now
			n++
		}
	}
	return n
}

// Contents returns snapshots of all waiting tickets.
func (s *Scheduler) Contents() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Ticket, 0, len(s.waiting))
	for _, t := range s.waiting {
		out = append(out, t.snapshot())
	}
	return out
}

// History returns snapshots of terminal tickets, oldest first.
func (s *Scheduler) History() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Ticket, len(s.completed))
	copy(out, s.completed)
	return out
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Submitted: s.submitted,
		Attempts:  s.attempts,
		Succeeded: s.succeeded,
		Abandoned: s.abandoned,
		Waiting:   len(s.waiting),
	}
	if terminal := s.succeeded + s.abandoned; terminal > 0 {
		st.SuccessRate = float64(s.succeeded) / float64(terminal)
	}
	if len(s.completed) > 0 {
		var total int
		for _, t := range s.completed {
			total += t.AttemptCount
		}
		st.AverageRetries = float64(total) / float64(len(s.completed))
	}
	return st
}

// UpdateConfig replaces the backoff schedule for subsequent scheduling
// decisions. Waiting tickets keep their computed eligibility time and their
// attempt budget; the poll cadence is fixed at construction.
func (s *Scheduler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = s.cfg.PollInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = s.cfg.HistorySize
	}
	s.cfg = cfg
	return nil
}

// Clear drops every waiting ticket and returns how many were dropped.
// Terminal history is kept.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.waiting)
	s.waiting = nil
	return n
}

// Close stops the poll loop. Tickets mid-attempt finish; nothing new starts.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("retry loop did not stop within join timeout")
	}
}

func (s *Scheduler) loop(ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick moves eligible tickets into the active set and attempts each one.
func (s *Scheduler) tick() {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*ticket
	for _, t := range s.waiting {
		if t.state == StatePending && !now.Before(t.nextEligibleAt) {
			t.state = StateRetrying
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.attemptOne(t)
	}
}

func (s *Scheduler) attemptOne(t *ticket) {
	s.mu.Lock()
	attempt := t.attempts + 1
	msg := t.msg
	s.mu.Unlock()

	err := s.runAttempt(msg, attempt)

	s.mu.Lock()
	now := s.clk.Now()
	t.lastAttemptAt = now
	s.attempts++

	if err == nil {
		t.state = StateSucceeded
		t.attempts = attempt
		elapsed := now.Sub(t.firstFailureAt)
		snap := t.snapshot()
		s.removeLocked(t)
		s.archiveLocked(snap)
		s.succeeded++
		s.mu.Unlock()

		s.logger.Debug("retry succeeded",
			zap.String("message_id", msg.ID.String()),
			zap.Int("attempts", attempt),
			zap.Duration("elapsed", elapsed))
		s.invokeSucceeded(snap, elapsed)
		return
	}

	t.attempts = attempt
	t.lastError = err.Error()
	t.reasons = append(t.reasons, fmt.Sprintf("attempt %d: %v", attempt, err))

	if t.attempts >= t.maxAttempts {
		t.state = StateAbandoned
		snap := t.snapshot()
		s.removeLocked(t)
		s.archiveLocked(snap)
		s.abandoned++
		s.mu.Unlock()

		s.logger.Warn("message abandoned after retry budget",
			zap.String("message_id", msg.ID.String()),
			zap.Int("attempts", attempt),
			zap.String("last_error", snap.LastError))
		s.invokeAbandoned(snap, snap.LastError)
		if s.archive != nil {
			s.archive(snap)
		}
		return
	}

	t.state = StatePending
	t.nextEligibleAt = now.Add(s.delayLocked(t.attempts + 1))
	s.mu.Unlock()
}

// runAttempt shields the loop from a panicking delivery function.
func (s *Scheduler) runAttempt(msg message.Message, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return s.attempt(msg, attempt)
}

// delayLocked computes the backoff before the k-th attempt (1-based):
// min(base * multiplier^(k-1), max) plus uniform jitter in [10%, 50%] of the
// delay so synchronized failures do not retry in lockstep. Caller holds s.mu.
func (s *Scheduler) delayLocked(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.Multiplier, float64(k-1))
	if capped := float64(s.cfg.MaxDelay); d > capped {
		d = capped
	}
	jitter := d * (0.1 + 0.4*s.rng.Float64())
	return time.Duration(d + jitter)
}

// removeLocked drops t from the waiting set and records its terminal
// snapshot in bounded history. Caller holds s.mu.
func (s *Scheduler) removeLocked(t *ticket) {
	for i, w := range s.waiting {
		if w == t {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) archiveLocked(snap Ticket) {
	s.completed = append(s.completed, snap)
	if len(s.completed) > s.cfg.HistorySize {
		s.completed = s.completed[len(s.completed)-s.cfg.HistorySize:]
	}
}

func (s *Scheduler) invokeSucceeded(t Ticket, elapsed time.Duration) {
	if s.onOK == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("success callback panicked", zap.Any("panic", r))
		}
	}()
	s.onOK(t, elapsed)
}

func (s *Scheduler) invokeAbandoned(t Ticket, reason string) {
	if s.onDead == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("abandon callback panicked", zap.Any("panic", r))
		}
	}()
	s.onDead(t, reason)
}
