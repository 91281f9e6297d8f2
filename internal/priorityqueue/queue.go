package priorityqueue

import (
	"container/heap"
	"sync"

	"github.com/rzbill/relay/internal/message"
)

const defaultHistorySize = 10

type item struct {
	msg message.Message
	seq uint64
}

// itemHeap orders by (tier asc, insertion seq asc): strict tier precedence,
// FIFO within a tier.
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Tier != h[j].msg.Tier {
		return h[i].msg.Tier < h[j].msg.Tier
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Pending     int            `json:"pending"`
	HistorySize int            `json:"history_size"`
	ByTier      map[string]int `json:"by_tier"`
}

// Queue is a 4-way stratified FIFO of pending messages.
type Queue struct {
	mu      sync.Mutex
	heap    itemHeap
	seq     uint64
	history *ring
}

// Option configures a Queue.
type Option func(*Queue)

// WithHistorySize bounds the rolling history of accepted messages.
func WithHistorySize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.history = newRing(n)
		}
	}
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{history: newRing(defaultHistorySize)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add accepts a message and returns its insertion sequence, which doubles as
// the heap tie-break. The sequence only resets on ClearAll.
func (q *Queue) Add(msg message.Message) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	heap.Push(&q.heap, item{msg: msg, seq: q.seq})
	q.history.push(msg)
	return q.seq
}

// PopHighest removes and returns the most urgent pending message. The second
// return is false when the queue is empty; an empty queue never blocks.
func (q *Queue) PopHighest() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return message.Message{}, false
	}
	it := heap.Pop(&q.heap).(item)
	return it.msg, true
}

// PeekHighest returns the most urgent pending message without removing it.
func (q *Queue) PeekHighest() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return message.Message{}, false
	}
	return q.heap[0].msg, true
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// History returns the most recently accepted messages, oldest first.
func (q *Queue) History() []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.history.all()
}

// Clear drops all pending messages, keeping history and the insertion counter.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.heap)
	q.heap = q.heap[:0]
	return n
}

// ClearAll drops pending messages and history and resets the insertion counter.
func (q *Queue) ClearAll() (pending, history int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending = len(q.heap)
	history = q.history.len()
	q.heap = q.heap[:0]
	q.history.clear()
	q.seq = 0
	return pending, history
}

// Snapshot returns current counts including a per-tier breakdown.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Pending:     len(q.heap),
		HistorySize: q.history.len(),
		ByTier:      make(map[string]int, 4),
	}
	for _, it := range q.heap {
		st.ByTier[it.msg.Tier.String()]++
	}
	return st
}
