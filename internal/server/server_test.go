package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/frame"
	"github.com/danmuck/nettables/internal/protocol/session"
	"github.com/danmuck/nettables/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (b *inbox) HandleMessage(_ *session.Session, msg *protocol.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

func (b *inbox) find(typ protocol.MessageType, name string) *protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.msgs {
		if m.Type == typ && (name == "" || m.Name == name) {
			return m
		}
	}
	return nil
}

func startServer(t *testing.T, tbl *Table, logger zerolog.Logger) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Session.Identity = "server"
	srv := New(cfg, tbl, logger)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	serveInBackground(t, srv)
	return srv
}

func serveInBackground(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
}

func dialClient(t *testing.T, srv *Server, rev protocol.Revision, identity string, logger zerolog.Logger) (*session.Session, *inbox) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cfg := session.DefaultConfig()
	cfg.Revision = rev
	cfg.Identity = identity
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := session.ClientHandshake(ctx, conn, cfg, nil, logger)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	box := &inbox{}
	for _, m := range sess.Snapshot() {
		box.HandleMessage(sess, m)
	}
	go func() { _ = sess.Run(context.Background(), box) }()
	t.Cleanup(func() { _ = sess.Close() })
	return sess, box
}

func TestServerSendsSnapshotAndFansOutAssigns(t *testing.T) {
	logger := testlog.Start(t)
	tbl := NewTable()
	_, _ = tbl.Apply(protocol.EntryAssign("/seed", protocol.EntryIDUnassigned, 1, 0, protocol.DoubleValue(7)))
	srv := startServer(t, tbl, logger)

	modern, modernBox := dialClient(t, srv, protocol.Revision3, "modern", logger)
	legacy, legacyBox := dialClient(t, srv, protocol.Revision2, "", logger)

	require.Equal(t, protocol.Revision3, modern.Revision())
	require.Equal(t, protocol.Revision2, legacy.Revision())
	require.Equal(t, "server", modern.PeerIdentity())
	require.NotNil(t, modernBox.find(protocol.MsgEntryAssign, "/seed"))
	require.NotNil(t, legacyBox.find(protocol.MsgEntryAssign, "/seed"))
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 2 }, 2*time.Second, 10*time.Millisecond)

	n, err := legacy.Send(protocol.EntryAssign("/from-legacy", protocol.EntryIDUnassigned, 1, 0, protocol.StringValue("hi")))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return modernBox.find(protocol.MsgEntryAssign, "/from-legacy") != nil &&
			legacyBox.find(protocol.MsgEntryAssign, "/from-legacy") != nil
	}, 2*time.Second, 10*time.Millisecond)

	got := modernBox.find(protocol.MsgEntryAssign, "/from-legacy")
	require.NotEqual(t, protocol.EntryIDUnassigned, got.ID)
	require.Equal(t, 2, tbl.Len())
}

func TestServerQueuesChangesForHandshakingClient(t *testing.T) {
	logger := testlog.Start(t)
	tbl := NewTable()
	srv := startServer(t, tbl, logger)
	writer, writerBox := dialClient(t, srv, protocol.Revision3, "writer", logger)
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Drive the second client by hand so it can stall between the
	// snapshot and ClientHelloDone.
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Write(protocol.Encode(protocol.ClientHello(protocol.Revision3, "late"), protocol.Revision3))
	require.NoError(t, err)

	r := frame.NewReader(conn, frame.DefaultLimits())
	types := protocol.NewTypeTable()
	for {
		msg, err := r.ReadMessage(protocol.Revision3, types)
		require.NoError(t, err)
		require.NotEqual(t, protocol.MsgEntryAssign, msg.Type, "table should be empty at snapshot time")
		if msg.Type == protocol.MsgServerHelloDone {
			break
		}
	}

	_, err = writer.Send(protocol.EntryAssign("/x", protocol.EntryIDUnassigned, 1, 0, protocol.DoubleValue(3)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return writerBox.find(protocol.MsgEntryAssign, "/x") != nil }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, tbl.Len())

	_, err = conn.Write(protocol.Encode(protocol.ClientHelloDone(), protocol.Revision3))
	require.NoError(t, err)
	for {
		msg, err := r.ReadMessage(protocol.Revision3, types)
		require.NoError(t, err, "change made during the handshake never arrived")
		if msg.Type == protocol.MsgEntryAssign {
			require.Equal(t, "/x", msg.Name)
			require.NotEqual(t, protocol.EntryIDUnassigned, msg.ID)
			break
		}
	}
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerFlagsReturningIdentity(t *testing.T) {
	logger := testlog.Start(t)
	srv := startServer(t, nil, logger)

	first, _ := dialClient(t, srv, protocol.Revision3, "bot", logger)
	require.Zero(t, first.PeerFlags()&protocol.ServerFlagReconnect)
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	again, _ := dialClient(t, srv, protocol.Revision3, "bot", logger)
	require.NotZero(t, again.PeerFlags()&protocol.ServerFlagReconnect)

	other, _ := dialClient(t, srv, protocol.Revision3, "stranger", logger)
	require.Zero(t, other.PeerFlags()&protocol.ServerFlagReconnect)
}

func TestServerAnswersRPC(t *testing.T) {
	logger := testlog.Start(t)
	srv := startServer(t, nil, logger)
	modern, _ := dialClient(t, srv, protocol.Revision3, "caller", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := modern.Call(ctx, 5, []byte{1, 2})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestServerDropsSessionOnClientClose(t *testing.T) {
	logger := testlog.Start(t)
	srv := startServer(t, nil, logger)
	sess, _ := dialClient(t, srv, protocol.Revision3, "short", logger)

	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sess.Close())
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	st := srv.Status()
	require.NotEmpty(t, st.Addr)
	require.Equal(t, 0, st.Entries)
}

func TestServeWithoutListen(t *testing.T) {
	srv := New(DefaultConfig(), nil, testlog.Start(t))
	if err := srv.Serve(context.Background()); err != ErrNotListening {
		t.Fatalf("err = %v, want ErrNotListening", err)
	}
}
