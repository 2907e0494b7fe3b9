package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/nettables/internal/config"
	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestServerPersistsFlaggedEntries(t *testing.T) {
	logger := testlog.Start(t)
	path := filepath.Join(t.TempDir(), "persistent.toml")

	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.PersistPath = path
	cfg.PersistInterval = 20 * time.Millisecond
	srv := New(cfg, nil, logger)
	require.NoError(t, srv.Listen())
	serveInBackground(t, srv)

	sess, _ := dialClient(t, srv, protocol.Revision3, "writer", logger)
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err := sess.Send(
		protocol.EntryAssign("/keep", protocol.EntryIDUnassigned, 1, protocol.FlagPersistent, protocol.DoubleValue(4.5)),
		protocol.EntryAssign("/drop", protocol.EntryIDUnassigned, 1, 0, protocol.DoubleValue(1)),
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := config.LoadEntriesFile(path)
		return err == nil && len(entries) == 1 && entries[0].Name == "/keep"
	}, 2*time.Second, 20*time.Millisecond)

	restored := New(cfg, nil, logger)
	n, err := restored.LoadPersistent()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	snap := restored.Table().Snapshot()
	require.Len(t, snap, 1)
	v, err := snap[0].Value.Double()
	require.NoError(t, err)
	require.Equal(t, 4.5, v)
	require.Equal(t, protocol.FlagPersistent, snap[0].Flags)
}

func TestLoadPersistentWithoutPath(t *testing.T) {
	n, err := New(DefaultConfig(), nil, testlog.Start(t)).LoadPersistent()
	require.NoError(t, err)
	require.Zero(t, n)
}
