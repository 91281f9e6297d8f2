package mailbox

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/relay/internal/message"
)

func testConfig() Config {
	return Config{MaxPerRecipient: 100, TTL: 24 * time.Hour, SweepInterval: 5 * time.Minute}
}

func newTestMailbox(t *testing.T, cfg Config, opts ...Option) (*Mailbox, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	m, err := New(cfg, append([]Option{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, mock
}

func msg(text string) message.Message {
	return message.Message{Text: text, Tier: message.TierNormal}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{MaxPerRecipient: 0, TTL: time.Hour, SweepInterval: time.Minute},
		{MaxPerRecipient: 10, TTL: 0, SweepInterval: time.Minute},
		{MaxPerRecipient: 10, TTL: time.Hour, SweepInterval: 0},
	}
	for _, cfg := range bad {
		_, err := New(cfg)
		require.Error(t, err, "%+v", cfg)
	}
}

func TestStoreAndDeliverAllInOrder(t *testing.T) {
	var cbRecipient string
	var cbMsgs []message.Message
	m, _ := newTestMailbox(t, testConfig(), WithDeliveredFunc(func(r string, msgs []message.Message) {
		cbRecipient = r
		cbMsgs = msgs
	}))

	for i := 0; i < 4; i++ {
		res, err := m.Store("alice", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		require.True(t, res.Stored)
		require.Equal(t, i+1, res.Pending)
	}

	got := m.DeliverAll("alice")
	require.Len(t, got, 4)
	for i, msg := range got {
		require.Equal(t, fmt.Sprintf("m%d", i), msg.Text)
	}
	require.Equal(t, "alice", cbRecipient)
	require.Len(t, cbMsgs, 4)

	// Idempotent drain: nothing is delivered twice.
	require.Empty(t, m.DeliverAll("alice"))
	require.Empty(t, m.Peek("alice", 0))
}

func TestStoreEmptyRecipient(t *testing.T) {
	m, _ := newTestMailbox(t, testConfig())
	_, err := m.Store("", msg("x"))
	require.Error(t, err)
}

func TestCapacityEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerRecipient = 3
	m, _ := newTestMailbox(t, cfg)

	for i := 0; i < 3; i++ {
		_, err := m.Store("bob", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	res, err := m.Store("bob", msg("m3"))
	require.NoError(t, err)
	require.True(t, res.Evicted)
	require.Equal(t, 3, res.Pending)

	got := m.DeliverAll("bob")
	require.Len(t, got, 3)
	require.Equal(t, "m1", got[0].Text)
	require.Equal(t, "m3", got[2].Text)
	require.Equal(t, int64(1), m.Stats().Evicted)
}

func TestExpiredEntriesAreDiscardedOnDrain(t *testing.T) {
	m, mock := newTestMailbox(t, testConfig())

	for i := 0; i < 4; i++ {
		_, err := m.Store("alice", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	mock.Add(25 * time.Hour)

	require.Empty(t, m.DeliverAll("alice"))
	st := m.Stats()
	require.Equal(t, int64(4), st.Expired)
	require.Equal(t, int64(0), st.Delivered)
	require.Equal(t, float64(0), st.SuccessRate)
}

func TestReconnectWithinTTLDeliversEverything(t *testing.T) {
	m, mock := newTestMailbox(t, testConfig())

	for i := 0; i < 4; i++ {
		_, err := m.Store("alice", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	mock.Add(23 * time.Hour)

	got := m.DeliverAll("alice")
	require.Len(t, got, 4)
	st := m.Stats()
	require.Equal(t, int64(4), st.Delivered)
	require.Equal(t, float64(1), st.SuccessRate)
}

func TestFailedDeliveryRequeuesUpToCap(t *testing.T) {
	fail := true
	m, _ := newTestMailbox(t, testConfig(), WithDeliverFunc(func(string, message.Message) error {
		if fail {
			return errors.New("socket write failed")
		}
		return nil
	}))

	_, err := m.Store("carol", msg("x"))
	require.NoError(t, err)

	// Two failing drains re-queue the entry.
	require.Empty(t, m.DeliverAll("carol"))
	require.Equal(t, 1, m.PendingCount("carol"))
	require.Empty(t, m.DeliverAll("carol"))
	require.Equal(t, 1, m.PendingCount("carol"))

	// Third failure hits the cap and drops permanently.
	require.Empty(t, m.DeliverAll("carol"))
	require.Equal(t, 0, m.PendingCount("carol"))
	require.Equal(t, int64(1), m.Stats().Dropped)
}

func TestDeliverHookPanicCountsAsFailure(t *testing.T) {
	m, _ := newTestMailbox(t, testConfig(), WithDeliverFunc(func(string, message.Message) error {
		panic("emit exploded")
	}))

	_, err := m.Store("dave", msg("x"))
	require.NoError(t, err)
	require.Empty(t, m.DeliverAll("dave"))
	require.Equal(t, 1, m.PendingCount("dave"))
}

func TestPeekIsNonDestructive(t *testing.T) {
	m, _ := newTestMailbox(t, testConfig())
	for i := 0; i < 5; i++ {
		_, err := m.Store("alice", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	peeked := m.Peek("alice", 2)
	require.Len(t, peeked, 2)
	require.Equal(t, "m0", peeked[0].Message.Text)
	require.False(t, peeked[0].Delivered)
	require.Equal(t, 5, m.PendingCount("alice"))
}

func TestStoreMany(t *testing.T) {
	m, _ := newTestMailbox(t, testConfig())
	res := m.StoreMany([]string{"a", "b", "c"}, msg("group"))
	require.Len(t, res, 3)
	for _, r := range res {
		require.True(t, r.Stored)
		require.Equal(t, 1, r.Pending)
	}
}

func TestSweepRemovesExpiredAndEmptyBacklogs(t *testing.T) {
	cfg := testConfig()
	// Keep the background sweeper idle so SweepNow owns every expiry.
	cfg.SweepInterval = 1000 * time.Hour
	m, mock := newTestMailbox(t, cfg)

	_, err := m.Store("alice", msg("old"))
	require.NoError(t, err)
	mock.Add(23 * time.Hour)
	_, err = m.Store("bob", msg("fresh"))
	require.NoError(t, err)
	mock.Add(2 * time.Hour) // alice's entry is now past TTL, bob's is not

	removed := m.SweepNow()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, m.PendingCount("alice"))
	require.Equal(t, 1, m.PendingCount("bob"))

	infos := m.OfflineRecipients()
	require.Len(t, infos, 1)
	require.Equal(t, "bob", infos[0].Recipient)
}

func TestBackgroundSweeperRuns(t *testing.T) {
	cfg := testConfig()
	m, mock := newTestMailbox(t, cfg)

	_, err := m.Store("alice", msg("old"))
	require.NoError(t, err)

	// The sweeper's ticker is registered before New returns, so advancing
	// the mock past TTL plus a sweep interval must fire it.
	mock.Add(25 * time.Hour)

	require.Eventually(t, func() bool {
		st := m.Stats()
		return st.Expired == 1 && st.Recipients == 0 && st.Sweeps >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdateConfig(t *testing.T) {
	m, _ := newTestMailbox(t, testConfig())

	bad := testConfig()
	bad.TTL = 0
	require.Error(t, m.UpdateConfig(bad))

	cfg := testConfig()
	cfg.MaxPerRecipient = 1
	require.NoError(t, m.UpdateConfig(cfg))

	_, err := m.Store("alice", msg("m0"))
	require.NoError(t, err)
	res, err := m.Store("alice", msg("m1"))
	require.NoError(t, err)
	require.True(t, res.Evicted)
	require.Equal(t, 1, res.Pending)
}

func TestExpiredFuncObservesExpiries(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 1000 * time.Hour
	total := 0
	m, mock := newTestMailbox(t, cfg, WithExpiredFunc(func(n int) { total += n }))

	_, _ = m.Store("alice", msg("a"))
	_, _ = m.Store("alice", msg("b"))
	mock.Add(25 * time.Hour)
	require.Empty(t, m.DeliverAll("alice"))
	require.Equal(t, 2, total)

	_, _ = m.Store("bob", msg("c"))
	mock.Add(25 * time.Hour)
	require.Equal(t, 1, m.SweepNow())
	require.Equal(t, 3, total)
}

func TestDeliverHookMayReenterMailbox(t *testing.T) {
	var m *Mailbox
	reentered := false
	created, _ := newTestMailbox(t, testConfig(), WithDeliverFunc(func(string, message.Message) error {
		m.Stats() // deadlocks if the hook ran under the mailbox lock
		reentered = true
		return nil
	}))
	m = created

	_, err := m.Store("alice", msg("x"))
	require.NoError(t, err)
	require.Len(t, m.DeliverAll("alice"), 1)
	require.True(t, reentered)
}

func TestClearAndClearAll(t *testing.T) {
	m, _ := newTestMailbox(t, testConfig())
	_, _ = m.Store("a", msg("1"))
	_, _ = m.Store("a", msg("2"))
	_, _ = m.Store("b", msg("3"))

	require.Equal(t, 2, m.Clear("a"))
	require.Equal(t, 0, m.Clear("a"))
	require.Equal(t, 1, m.ClearAll())
}

func TestCloseStopsSweeper(t *testing.T) {
	defer leaktest.Check(t)()

	m, err := New(Config{MaxPerRecipient: 10, TTL: time.Hour, SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = m.Store("alice", msg("x"))
	require.NoError(t, err)
	m.Close()

	_, err = m.Store("alice", msg("y"))
	require.ErrorIs(t, err, ErrClosed)
	m.Close() // idempotent
}
