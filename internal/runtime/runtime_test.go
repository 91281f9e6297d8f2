package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/relay/internal/config"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DeadLetter.DataDir = t.TempDir()
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.CheckHealth(context.Background()))
	require.NotNil(t, rt.Pipeline())
	require.NotNil(t, rt.Hub())
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch.MinSize = 0
	_, err := Open(Options{Config: cfg})
	require.Error(t, err)
}

func TestOpenWithoutArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter.Enabled = false

	rt, err := Open(Options{Config: cfg})
	require.NoError(t, err)
	defer rt.Close()

	entries, err := rt.DeadLetters(0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubmitThroughRuntime(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer rt.Close()

	// No session for bob: the message lands in the offline mailbox.
	_, err = rt.Pipeline().Submit("alice", "hello", "bob", nil)
	require.NoError(t, err)
}
