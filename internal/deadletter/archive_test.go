package deadletter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/retry"
)

func openTestArchive(t *testing.T, max int) *Archive {
	t.Helper()
	a, err := Open(Options{DataDir: t.TempDir(), MaxEntries: max})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func abandonedTicket(text string) retry.Ticket {
	return retry.Ticket{
		Message: message.Message{
			Sender:    "alice",
			Recipient: "bob",
			Text:      text,
			Tier:      message.TierNormal,
		},
		State:        retry.StateAbandoned,
		AttemptCount: 3,
		MaxAttempts:  3,
		LastError:    "recipient unreachable",
	}
}

func TestAppendAndList(t *testing.T) {
	a := openTestArchive(t, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Append(abandonedTicket(fmt.Sprintf("msg-%d", i))))
	}
	require.Equal(t, 3, a.Count())

	entries, err := a.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	require.Equal(t, "msg-2", entries[0].Ticket.Message.Text)
	require.Equal(t, "msg-0", entries[2].Ticket.Message.Text)
	require.Equal(t, retry.StateAbandoned, entries[0].Ticket.State)
	require.False(t, entries[0].AbandonedAt.IsZero())
}

func TestListLimit(t *testing.T) {
	a := openTestArchive(t, 10)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Append(abandonedTicket(fmt.Sprintf("msg-%d", i))))
	}

	entries, err := a.List(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "msg-4", entries[0].Ticket.Message.Text)
	require.Equal(t, "msg-3", entries[1].Ticket.Message.Text)
}

func TestTrimKeepsNewest(t *testing.T) {
	a := openTestArchive(t, 3)

	for i := 0; i < 6; i++ {
		require.NoError(t, a.Append(abandonedTicket(fmt.Sprintf("msg-%d", i))))
	}
	require.Equal(t, 3, a.Count())

	entries, err := a.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "msg-5", entries[0].Ticket.Message.Text)
	require.Equal(t, "msg-3", entries[2].Ticket.Message.Text)
}

func TestReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()

	a, err := Open(Options{DataDir: dir, MaxEntries: 10})
	require.NoError(t, err)
	require.NoError(t, a.Append(abandonedTicket("before-restart")))
	require.NoError(t, a.Close())

	a, err = Open(Options{DataDir: dir, MaxEntries: 10})
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, 1, a.Count())
	require.NoError(t, a.Append(abandonedTicket("after-restart")))

	entries, err := a.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "after-restart", entries[0].Ticket.Message.Text)
}

func TestPurge(t *testing.T) {
	a := openTestArchive(t, 10)

	require.NoError(t, a.Append(abandonedTicket("gone")))
	require.NoError(t, a.Purge())
	require.Equal(t, 0, a.Count())

	entries, err := a.List(0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestClosedArchiveRejects(t *testing.T) {
	a, err := Open(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.Error(t, a.Append(abandonedTicket("late")))
	_, err = a.List(0)
	require.Error(t, err)
	require.NoError(t, a.Close())
}
