// Package deadletter persists abandoned delivery tickets to a Pebble
// archive so operators can inspect failures after the fact.
package deadletter

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/retry"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// keyPrefix namespaces archive entries; keys sort by abandonment time.
var keyPrefix = []byte("dl/")

// prefixEnd is the exclusive upper bound for a full-archive scan.
var prefixEnd = []byte("dl0")

// Entry is one archived abandonment record.
type Entry struct {
	Ticket      retry.Ticket `json:"ticket"`
	AbandonedAt time.Time    `json:"abandoned_at"`
}

// Archive stores abandoned tickets in a bounded on-disk log. The newest
// MaxEntries records are retained; older ones are trimmed on append.
type Archive struct {
	mu     sync.Mutex
	db     *pebblestore.DB
	max    int
	seq    uint64
	count  int
	logger *zap.Logger
}

// Options configures an Archive.
type Options struct {
	// DataDir is the Pebble directory for the archive.
	DataDir string
	// MaxEntries bounds the number of retained records. Zero means 1000.
	MaxEntries int
	// Logger is optional.
	Logger *zap.Logger
}

// Open creates or reopens the archive at opts.DataDir.
func Open(opts Options) (*Archive, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: opts.DataDir,
		Fsync:   pebblestore.FsyncModeInterval,
	})
	if err != nil {
		return nil, err
	}

	a := &Archive{db: db, max: opts.MaxEntries, logger: logger}
	if err := a.recount(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// recount walks existing keys after reopen so count and seq carry over.
func (a *Archive) recount() error {
	var count int
	var lastKey []byte
	err := a.db.Scan(keyPrefix, prefixEnd, func(k, _ []byte) bool {
		count++
		lastKey = k
		return true
	})
	if err != nil {
		return err
	}
	a.count = count
	if len(lastKey) == len(keyPrefix)+16 {
		a.seq = binary.BigEndian.Uint64(lastKey[len(keyPrefix)+8:]) + 1
	}
	return nil
}

// entryKey builds "dl/" + 8-byte ms timestamp + 8-byte sequence, both
// big-endian so lexical order matches arrival order.
func entryKey(at time.Time, seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+16)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], uint64(at.UnixMilli()))
	binary.BigEndian.PutUint64(key[len(keyPrefix)+8:], seq)
	return key
}

// Append records an abandoned ticket and trims past MaxEntries.
func (a *Archive) Append(t retry.Ticket) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return errors.New("deadletter: archive closed")
	}

	entry := Entry{Ticket: t, AbandonedAt: time.Now().UTC()}
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := entryKey(entry.AbandonedAt, a.seq)
	a.seq++
	if err := a.db.Set(key, buf); err != nil {
		return err
	}
	a.count++

	if a.count > a.max {
		if err := a.trimLocked(a.count - a.max); err != nil {
			a.logger.Warn("dead-letter trim failed", zap.Error(err))
		}
	}
	return nil
}

// trimLocked deletes the n oldest entries.
func (a *Archive) trimLocked(n int) error {
	var victims [][]byte
	err := a.db.Scan(keyPrefix, prefixEnd, func(k, _ []byte) bool {
		victims = append(victims, k)
		return len(victims) < n
	})
	if err != nil {
		return err
	}
	for _, k := range victims {
		if err := a.db.Delete(k); err != nil {
			return err
		}
		a.count--
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (a *Archive) List(limit int) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, errors.New("deadletter: archive closed")
	}

	var entries []Entry
	err := a.db.Scan(keyPrefix, prefixEnd, func(_, v []byte) bool {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			a.logger.Warn("skipping undecodable dead-letter entry", zap.Error(err))
			return true
		}
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}

	// Scan order is oldest first; reverse for newest-first presentation.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Count returns the number of retained entries.
func (a *Archive) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Purge removes every archived entry.
func (a *Archive) Purge() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return errors.New("deadletter: archive closed")
	}
	if err := a.db.DeleteRange(keyPrefix, prefixEnd); err != nil {
		return err
	}
	a.count = 0
	return nil
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
