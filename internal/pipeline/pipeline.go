package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/batch"
	"github.com/rzbill/relay/internal/classify"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/deadletter"
	"github.com/rzbill/relay/internal/mailbox"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/metrics"
	"github.com/rzbill/relay/internal/priorityqueue"
	"github.com/rzbill/relay/internal/retry"
	"github.com/rzbill/relay/pkg/id"
)

// Presence reports whether a recipient currently has a live session. The
// transport gateway implements it.
type Presence interface {
	IsOnline(recipient string) bool
}

// DeliverFunc pushes one message to an online recipient. A non-nil error is
// treated as a transient delivery failure and routed to the retry scheduler.
type DeliverFunc func(recipient string, msg message.Message) error

// Callbacks are the egress surface, registered once at construction. They
// are invoked synchronously from background workers and must not block long.
type Callbacks struct {
	OnBatchReady      func(batch.Envelope)
	OnRetrySucceeded  func(t retry.Ticket, elapsed time.Duration)
	OnRetryAbandoned  func(t retry.Ticket, reason string)
	OnOfflineDelivery func(recipient string, msgs []message.Message)
}

var (
	// ErrEmptyText rejects a submission with no message body.
	ErrEmptyText = errors.New("pipeline: empty message text")
	// ErrNoSender rejects a submission with no sender.
	ErrNoSender = errors.New("pipeline: missing sender")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pipeline: closed")
)

// Stats aggregates per-stage snapshots for the status surface.
type Stats struct {
	Queue      priorityqueue.Stats `json:"queue"`
	Batch      batch.Stats         `json:"batch"`
	Retry      retry.Stats         `json:"retry"`
	Mailbox    mailbox.Stats       `json:"mailbox"`
	DeadLetter int                 `json:"dead_letter"`
}

// Pipeline owns one instance of every queue stage and routes messages
// between them. Direct messages flow classification -> priority queue ->
// dispatch -> retry/mailbox; broadcast messages flow through the batch
// assembler to the batch-ready callback.
type Pipeline struct {
	classifier *classify.Classifier
	queue      *priorityqueue.Queue
	assembler  *batch.Assembler
	scheduler  *retry.Scheduler
	mailbox    *mailbox.Mailbox
	archive    *deadletter.Archive
	gen        *id.Generator

	presence Presence
	deliver  DeliverFunc
	cb       Callbacks
	clk      clock.Clock
	logger   *zap.Logger

	batching bool

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock substitutes the wall clock for every stage, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(p *Pipeline) { p.clk = clk }
}

// WithArchive attaches a dead-letter archive for abandoned tickets.
func WithArchive(a *deadletter.Archive) Option {
	return func(p *Pipeline) { p.archive = a }
}

// WithCallbacks registers the egress callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(p *Pipeline) { p.cb = cb }
}

// New wires the full pipeline from cfg. presence and deliver are the
// injected transport collaborators.
func New(cfg config.Config, presence Presence, deliver DeliverFunc, opts ...Option) (*Pipeline, error) {
	if presence == nil {
		return nil, errors.New("pipeline: nil presence")
	}
	if deliver == nil {
		return nil, errors.New("pipeline: nil deliver func")
	}

	p := &Pipeline{
		presence: presence,
		deliver:  deliver,
		clk:      clock.New(),
		logger:   zap.NewNop(),
		batching: cfg.Batch.Enabled,
		gen:      id.NewGenerator(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	classifier, err := classify.New(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	p.classifier = classifier

	p.queue = priorityqueue.New(priorityqueue.WithHistorySize(cfg.Queue.HistorySize))

	if p.batching {
		p.assembler, err = batch.New(cfg.Batch.Assembler(), p.batchSink,
			batch.WithClock(p.clk),
			batch.WithLogger(p.logger.Named("batch")))
		if err != nil {
			return nil, err
		}
	}

	p.mailbox, err = mailbox.New(cfg.Mailbox.Mailbox(),
		mailbox.WithClock(p.clk),
		mailbox.WithLogger(p.logger.Named("mailbox")),
		mailbox.WithDeliverFunc(mailbox.DeliverFunc(p.deliver)),
		mailbox.WithDeliveredFunc(p.onOfflineDelivered),
		mailbox.WithExpiredFunc(func(n int) { metrics.OfflineExpired.Add(float64(n)) }))
	if err != nil {
		return nil, err
	}

	p.scheduler, err = retry.New(cfg.Retry.Scheduler(), p.retryAttempt,
		retry.WithClock(p.clk),
		retry.WithLogger(p.logger.Named("retry")),
		retry.WithSucceeded(p.onRetrySucceeded),
		retry.WithAbandoned(p.onRetryAbandoned),
		retry.WithArchive(p.archiveTicket))
	if err != nil {
		p.mailbox.Close()
		if p.assembler != nil {
			p.assembler.Close()
		}
		return nil, err
	}

	go p.dispatchLoop()
	return p, nil
}

// Submit classifies and routes one inbound message. An empty recipient means
// broadcast. manualTier, when non-nil and valid, overrides auto detection
// unless spam forces the low tier. Delivery outcomes are observed through
// the egress callbacks, never by the submitting caller.
func (p *Pipeline) Submit(sender, text, recipient string, manualTier *message.Tier) (message.Message, error) {
	select {
	case <-p.closed:
		return message.Message{}, ErrClosed
	default:
	}

	sender = strings.TrimSpace(sender)
	if sender == "" {
		return message.Message{}, ErrNoSender
	}
	if strings.TrimSpace(text) == "" {
		return message.Message{}, ErrEmptyText
	}

	res := p.classifier.Classify(sender, text, manualTier)
	msg := message.Message{
		ID:        p.gen.Next(),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Tier:      res.Tier,
		CreatedAt: p.clk.Now().UTC(),
		Spam:      res.Spam,
	}

	metrics.MessagesSubmitted.WithLabelValues(msg.Tier.String()).Inc()
	if msg.Spam {
		metrics.SpamDetected.Inc()
	}
	p.logger.Debug("message submitted",
		zap.String("sender", sender),
		zap.String("recipient", recipient),
		zap.Stringer("tier", msg.Tier),
		zap.Bool("spam", msg.Spam),
		zap.String("detection", string(res.Detection)))

	if msg.Direct() {
		p.queue.Add(msg)
		p.wakeDispatch()
		return msg, nil
	}

	if p.assembler != nil {
		if err := p.assembler.Enqueue(msg); err != nil {
			return message.Message{}, err
		}
		return msg, nil
	}

	// Batching disabled: broadcast messages bypass assembly and reach the
	// sink one at a time.
	p.batchSink(batch.Envelope{
		ID:          uuid.NewString(),
		Messages:    []message.Message{msg},
		Size:        1,
		AssembledAt: p.clk.Now().UTC(),
		Reason:      batch.ReasonForced,
	})
	return msg, nil
}

// Reconnect drains the recipient's offline mailbox. Call it when a session
// comes online; delivered messages flow through OnOfflineDelivery.
func (p *Pipeline) Reconnect(recipient string) []message.Message {
	return p.mailbox.DeliverAll(recipient)
}

// ForceBatchRelease drains any pending batch regardless of size.
func (p *Pipeline) ForceBatchRelease() int {
	if p.assembler == nil {
		return 0
	}
	return p.assembler.ForceRelease()
}

// ForceRetryAll makes every waiting ticket immediately eligible.
func (p *Pipeline) ForceRetryAll() int {
	return p.scheduler.ForceRetryAll()
}

// ClearRecipientMailbox drops the recipient's backlog and returns the count.
func (p *Pipeline) ClearRecipientMailbox(recipient string) int {
	return p.mailbox.Clear(recipient)
}

// ClearAll empties every stage. The dead-letter archive is left intact.
func (p *Pipeline) ClearAll() {
	pending, _ := p.queue.ClearAll()
	cleared := p.mailbox.ClearAll()
	tickets := p.scheduler.Clear()
	if p.assembler != nil {
		p.assembler.ForceRelease()
	}
	p.logger.Info("pipeline cleared",
		zap.Int("queued", pending),
		zap.Int("mailbox", cleared),
		zap.Int("tickets", tickets))
}

// Stats returns a point-in-time aggregate snapshot.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Queue:   p.queue.Snapshot(),
		Retry:   p.scheduler.Stats(),
		Mailbox: p.mailbox.Stats(),
	}
	if p.assembler != nil {
		s.Batch = p.assembler.Stats()
	}
	if p.archive != nil {
		s.DeadLetter = p.archive.Count()
	}
	return s
}

// RetryContents exposes waiting tickets for the status surface.
func (p *Pipeline) RetryContents() []retry.Ticket { return p.scheduler.Contents() }

// MailboxPeek previews a recipient's backlog without draining it.
func (p *Pipeline) MailboxPeek(recipient string, limit int) []mailbox.Entry {
	return p.mailbox.Peek(recipient, limit)
}

// OfflineRecipients lists recipients with pending backlogs.
func (p *Pipeline) OfflineRecipients() []mailbox.RecipientInfo {
	return p.mailbox.OfflineRecipients()
}

// DeadLetters lists archived abandonments, newest first.
func (p *Pipeline) DeadLetters(limit int) ([]deadletter.Entry, error) {
	if p.archive == nil {
		return nil, nil
	}
	return p.archive.List(limit)
}

// Close stops every stage. Pending broadcast batches are flushed; queued
// direct messages that were not yet dispatched are dropped.
func (p *Pipeline) Close() {
	select {
	case <-p.closed:
		return
	default:
		close(p.closed)
	}

	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("dispatch loop did not stop in time")
	}

	if p.assembler != nil {
		p.assembler.Close()
	}
	p.scheduler.Close()
	p.mailbox.Close()
}

func (p *Pipeline) wakeDispatch() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop pops direct messages in priority order and attempts delivery.
func (p *Pipeline) dispatchLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
			p.drainQueue()
		}
	}
}

func (p *Pipeline) drainQueue() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		msg, ok := p.queue.PopHighest()
		if !ok {
			return
		}
		p.dispatchOne(msg)
	}
}

func (p *Pipeline) dispatchOne(msg message.Message) {
	if !p.presence.IsOnline(msg.Recipient) {
		if _, err := p.mailbox.Store(msg.Recipient, msg); err != nil {
			p.logger.Warn("offline store failed",
				zap.String("recipient", msg.Recipient), zap.Error(err))
			return
		}
		metrics.OfflineStored.Inc()
		return
	}

	if err := p.safeDeliver(msg.Recipient, msg); err != nil {
		p.logger.Debug("delivery failed, scheduling retry",
			zap.String("recipient", msg.Recipient), zap.Error(err))
		if _, serr := p.scheduler.Submit(msg, err.Error()); serr != nil {
			p.logger.Warn("retry submit failed", zap.Error(serr))
		}
	}
}

// retryAttempt is the scheduler's delivery attempt. A recipient that went
// offline mid-retry is handed to the mailbox and the ticket resolves.
func (p *Pipeline) retryAttempt(msg message.Message, attempt int) error {
	if !p.presence.IsOnline(msg.Recipient) {
		if _, err := p.mailbox.Store(msg.Recipient, msg); err != nil {
			return fmt.Errorf("recipient offline, store failed: %w", err)
		}
		metrics.OfflineStored.Inc()
		return nil
	}
	return p.safeDeliver(msg.Recipient, msg)
}

func (p *Pipeline) safeDeliver(recipient string, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panic: %v", r)
		}
	}()
	return p.deliver(recipient, msg)
}

func (p *Pipeline) batchSink(env batch.Envelope) {
	metrics.BatchesReleased.WithLabelValues(string(env.Reason)).Inc()
	metrics.BatchSize.Observe(float64(env.Size))
	if p.cb.OnBatchReady != nil {
		p.cb.OnBatchReady(env)
	}
}

func (p *Pipeline) onRetrySucceeded(t retry.Ticket, elapsed time.Duration) {
	metrics.RetriesSucceeded.Inc()
	if p.cb.OnRetrySucceeded != nil {
		p.cb.OnRetrySucceeded(t, elapsed)
	}
}

func (p *Pipeline) onRetryAbandoned(t retry.Ticket, reason string) {
	metrics.RetriesAbandoned.Inc()
	if p.cb.OnRetryAbandoned != nil {
		p.cb.OnRetryAbandoned(t, reason)
	}
}

func (p *Pipeline) onOfflineDelivered(recipient string, msgs []message.Message) {
	metrics.OfflineDelivered.Add(float64(len(msgs)))
	if p.cb.OnOfflineDelivery != nil {
		p.cb.OnOfflineDelivery(recipient, msgs)
	}
}

func (p *Pipeline) archiveTicket(t retry.Ticket) {
	if p.archive == nil || t.State != retry.StateAbandoned {
		return
	}
	if err := p.archive.Append(t); err != nil {
		p.logger.Warn("dead-letter archive append failed", zap.Error(err))
	}
}
