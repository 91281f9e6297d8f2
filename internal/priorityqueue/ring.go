package priorityqueue

import "github.com/rzbill/relay/internal/message"

// ring is a fixed-capacity circular buffer holding the most recent messages.
// Oldest entries are overwritten once the buffer is full.
type ring struct {
	buf   []message.Message
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]message.Message, capacity)}
}

func (r *ring) push(msg message.Message) {
	r.buf[(r.head+r.count)%len(r.buf)] = msg
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *ring) all() []message.Message {
	out := make([]message.Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.count }

func (r *ring) clear() {
	r.head = 0
	r.count = 0
}
