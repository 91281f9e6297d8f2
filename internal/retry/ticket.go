package retry

import (
	"time"

	"github.com/rzbill/relay/internal/message"
)

// State is the lifecycle phase of a ticket.
type State string

const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether the state never changes again.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateAbandoned }

// Ticket is a snapshot of one failed delivery under retry. The scheduler owns
// the live record; callers and callbacks only ever see copies.
type Ticket struct {
	Message        message.Message `json:"message"`
	State          State           `json:"state"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	FirstFailureAt time.Time       `json:"first_failure_at"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	NextEligibleAt time.Time       `json:"next_eligible_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
}

// ticket is the scheduler-owned mutable record behind a Ticket snapshot.
type ticket struct {
	msg            message.Message
	state          State
	attempts       int
	maxAttempts    int
	firstFailureAt time.Time
	lastAttemptAt  time.Time
	nextEligibleAt time.Time
	lastError      string
	reasons        []string
}

func (t *ticket) snapshot() Ticket {
	reasons := make([]string, len(t.reasons))
	copy(reasons, t.reasons)
	return Ticket{
		Message:        t.msg,
		State:          t.state,
		AttemptCount:   t.attempts,
		MaxAttempts:    t.maxAttempts,
		FirstFailureAt: t.firstFailureAt,
		LastAttemptAt:  t.lastAttemptAt,
		NextEligibleAt: t.nextEligibleAt,
		LastError:      t.lastError,
		Reasons:        reasons,
	}
}
