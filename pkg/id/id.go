package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier: 8 bytes of
// millisecond timestamp followed by 8 bytes of per-process sequence,
// both big-endian. Byte-wise comparison preserves creation order.
type ID [16]byte

// Zero is the all-zero ID.
var Zero ID

// Bytes returns a copy of the raw 16-byte representation.
func (i ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, i[:])
	return b
}

// String returns the 32-character lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the embedded creation timestamp, truncated to milliseconds.
func (i ID) Time() time.Time {
	ms := int64(binary.BigEndian.Uint64(i[0:8]))
	return time.UnixMilli(ms)
}

// IsZero reports whether the ID is unset.
func (i ID) IsZero() bool { return i == Zero }

// Compare returns -1, 0 or 1 ordering IDs byte-wise.
func (i ID) Compare(other ID) int {
	for n := 0; n < 16; n++ {
		switch {
		case i[n] < other[n]:
			return -1
		case i[n] > other[n]:
			return 1
		}
	}
	return 0
}

// MarshalText renders the hex form, so IDs appear as strings in JSON.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (i *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 32 {
		return out, fmt.Errorf("id: want 32 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.New("id: invalid hex")
	}
	copy(out[:], b)
	return out, nil
}

// Generator emits strictly increasing IDs for one process.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint64

	// now is swappable in tests.
	now func() int64
}

// NewGenerator returns a Generator backed by the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewGeneratorAt returns a Generator using the provided millisecond clock.
func NewGeneratorAt(now func() int64) *Generator {
	if now == nil {
		return NewGenerator()
	}
	return &Generator{now: now}
}

// Next returns a new ID. A regressing clock pins to the last observed
// millisecond; sequence exhaustion within one millisecond waits for the next.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.seq == ^uint64(0) {
			for {
				ms = g.now()
				if ms > g.lastMs {
					break
				}
				time.Sleep(100 * time.Microsecond)
			}
			g.seq = 0
		} else {
			g.seq++
		}
	} else {
		g.seq = 0
	}

	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:16], g.seq)
	return out
}
