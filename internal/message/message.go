package message

import (
	"fmt"
	"time"

	"github.com/rzbill/relay/pkg/id"
)

// Tier is the urgency class of a message. Lower is more urgent.
type Tier int

const (
	TierUrgent Tier = 1
	TierHigh   Tier = 2
	TierNormal Tier = 3
	TierLow    Tier = 4
)

// String returns the operator-facing tier name.
func (t Tier) String() string {
	switch t {
	case TierUrgent:
		return "URGENT"
	case TierHigh:
		return "HIGH"
	case TierNormal:
		return "NORMAL"
	case TierLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool { return t >= TierUrgent && t <= TierLow }

// ParseTier converts a 1..4 integer to a Tier.
func ParseTier(n int) (Tier, error) {
	t := Tier(n)
	if !t.Valid() {
		return 0, fmt.Errorf("message: tier %d out of range 1..4", n)
	}
	return t, nil
}

// Message is an immutable chat payload after classification. Queues pass
// Messages by value; none of them hands out references into live state.
type Message struct {
	ID        id.ID     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Text      string    `json:"text"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	Spam      bool      `json:"spam"`
}

// Direct reports whether the message targets a single recipient rather than
// the broadcast channel.
func (m Message) Direct() bool { return m.Recipient != "" }
