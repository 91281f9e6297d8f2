package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/relay/internal/message"
)

type captureSink struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (c *captureSink) take(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
}

func (c *captureSink) all() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.envelopes))
	copy(out, c.envelopes)
	return out
}

func newTestAssembler(t *testing.T, cfg Config) (*Assembler, *captureSink, *clock.Mock) {
	t.Helper()
	sink := &captureSink{}
	mock := clock.NewMock()
	a, err := New(cfg, sink.take, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, sink, mock
}

func enqueueN(t *testing.T, a *Assembler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, a.Enqueue(message.Message{Text: "m", Tier: message.TierNormal}))
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []Config{
		{MinSize: 0, MaxSize: 10, MaxWait: time.Second},
		{MinSize: 5, MaxSize: 4, MaxWait: time.Second},
		{MinSize: 1, MaxSize: 10, MaxWait: 0},
	}
	for _, cfg := range cases {
		_, err := New(cfg, func(Envelope) {})
		require.Error(t, err, "%+v", cfg)
	}
	_, err := New(Config{MinSize: 1, MaxSize: 1, MaxWait: time.Second}, nil)
	require.Error(t, err)
}

func TestMaxSizeReleasesImmediately(t *testing.T) {
	a, sink, _ := newTestAssembler(t, Config{MinSize: 5, MaxSize: 25, MaxWait: 2 * time.Second})

	enqueueN(t, a, 25)

	envs := sink.all()
	require.Len(t, envs, 1)
	require.Equal(t, 25, envs[0].Size)
	require.Equal(t, ReasonMaxSize, envs[0].Reason)
	require.NotEmpty(t, envs[0].ID)
	require.Equal(t, 0, a.Pending())
}

func TestTimeoutReleasesAtMinSize(t *testing.T) {
	a, sink, mock := newTestAssembler(t, Config{MinSize: 5, MaxSize: 25, MaxWait: 2 * time.Second})

	enqueueN(t, a, 5)
	require.Empty(t, sink.all())

	mock.Add(2100 * time.Millisecond)

	envs := sink.all()
	require.Len(t, envs, 1)
	require.Equal(t, 5, envs[0].Size)
	require.Equal(t, ReasonMinSizeTimeout, envs[0].Reason)
}

func TestSmallBatchWaitsForExtendedWindow(t *testing.T) {
	a, sink, mock := newTestAssembler(t, Config{MinSize: 5, MaxSize: 25, MaxWait: 2 * time.Second})

	enqueueN(t, a, 3)

	// First window elapses: 3 < minSize, so nothing releases yet.
	mock.Add(2100 * time.Millisecond)
	require.Empty(t, sink.all())

	// Second window elapses: release regardless of size.
	mock.Add(2 * time.Second)
	envs := sink.all()
	require.Len(t, envs, 1)
	require.Equal(t, 3, envs[0].Size)
	require.Equal(t, ReasonExtendedWait, envs[0].Reason)
}

func TestForceRelease(t *testing.T) {
	a, sink, _ := newTestAssembler(t, Config{MinSize: 5, MaxSize: 25, MaxWait: 2 * time.Second})

	require.Equal(t, 0, a.ForceRelease(), "empty force release is a no-op")

	enqueueN(t, a, 2)
	require.Equal(t, 2, a.ForceRelease())

	envs := sink.all()
	require.Len(t, envs, 1)
	require.Equal(t, ReasonForced, envs[0].Reason)
}

func TestEnvelopeSizeWithinBounds(t *testing.T) {
	a, sink, mock := newTestAssembler(t, Config{MinSize: 2, MaxSize: 4, MaxWait: time.Second})

	enqueueN(t, a, 11)
	mock.Add(3 * time.Second)

	for _, env := range sink.all() {
		require.GreaterOrEqual(t, env.Size, 1)
		require.LessOrEqual(t, env.Size, 4)
	}
}

func TestSinkPanicDoesNotRollBackRelease(t *testing.T) {
	mock := clock.NewMock()
	calls := 0
	a, err := New(Config{MinSize: 1, MaxSize: 2, MaxWait: time.Second}, func(Envelope) {
		calls++
		panic("sink exploded")
	}, WithClock(mock))
	require.NoError(t, err)

	enqueueN(t, a, 2)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, a.Pending(), "messages count as transmitted despite sink panic")
	require.Equal(t, int64(1), a.Stats().BatchesSent)

	// Assembler keeps working afterwards.
	enqueueN(t, a, 2)
	require.Equal(t, 2, calls)
	a.Close()
}

func TestCloseFlushesPending(t *testing.T) {
	sink := &captureSink{}
	a, err := New(Config{MinSize: 5, MaxSize: 25, MaxWait: time.Second}, sink.take)
	require.NoError(t, err)

	enqueueN(t, a, 3)
	a.Close()

	envs := sink.all()
	require.Len(t, envs, 1)
	require.Equal(t, ReasonForced, envs[0].Reason)
	require.ErrorIs(t, a.Enqueue(message.Message{}), ErrClosed)
}

func TestStats(t *testing.T) {
	a, _, mock := newTestAssembler(t, Config{MinSize: 2, MaxSize: 4, MaxWait: time.Second})

	enqueueN(t, a, 4) // max size release
	enqueueN(t, a, 2)
	mock.Add(1100 * time.Millisecond) // timeout release

	st := a.Stats()
	require.Equal(t, int64(6), st.Processed)
	require.Equal(t, int64(2), st.BatchesSent)
	require.InDelta(t, 3.0, st.AverageSize, 0.001)
	require.InDelta(t, 0.75, st.Efficiency, 0.001)
	require.Equal(t, int64(1), st.ByReason[ReasonMaxSize])
	require.Equal(t, int64(1), st.ByReason[ReasonMinSizeTimeout])
}

func TestUpdateConfig(t *testing.T) {
	a, sink, _ := newTestAssembler(t, Config{MinSize: 2, MaxSize: 10, MaxWait: time.Second})

	require.Error(t, a.UpdateConfig(Config{MinSize: 0, MaxSize: 10, MaxWait: time.Second}))
	require.NoError(t, a.UpdateConfig(Config{MinSize: 2, MaxSize: 3, MaxWait: time.Second}))

	enqueueN(t, a, 3)
	envs := sink.all()
	require.Len(t, envs, 1)
	require.Equal(t, ReasonMaxSize, envs[0].Reason)
}
