package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/nettables/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ipLog struct {
	mu  sync.Mutex
	ips []net.IP
}

func (l *ipLog) record(ip net.IP) {
	l.mu.Lock()
	l.ips = append(l.ips, ip)
	l.mu.Unlock()
}

func (l *ipLog) snapshot() []net.IP {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]net.IP(nil), l.ips...)
}

func TestClientFollowsDriverStationAndReconnects(t *testing.T) {
	logger := testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	mock := clock.NewMock()
	log := &ipLog{}
	c := New(Config{Addr: ln.Addr().String()}, Deps{Clock: mock, Logger: logger}, log.record)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("discovery client did not connect")
	}

	// Object split across writes, with a message lacking robotIP first.
	_, err = conn.Write([]byte("{\"status\":1}\n{\"robot"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("IP\":167772418}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.RobotIP().Equal(net.IPv4(10, 0, 1, 2)))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, log.snapshot()[1], "address cleared when the driver station goes away")

	require.Eventually(t, func() bool {
		mock.Add(DefaultConfig().Backoff.InitialDelay)
		return len(accepted) > 0
	}, 2*time.Second, 10*time.Millisecond)
	second := <-accepted
	defer second.Close()

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestUpdateOnlyReportsChanges(t *testing.T) {
	logger := testlog.Start(t)
	log := &ipLog{}
	c := New(Config{}, Deps{Logger: logger}, log.record)
	rest := c.consume([]byte(`{"robotIP":167772418}{"robotIP":167772418}{"robotIP":0}{"robot`))
	assert.Equal(t, `{"robot`, string(rest))
	ips := log.snapshot()
	require.Len(t, ips, 2)
	assert.True(t, ips[0].Equal(net.IPv4(10, 0, 1, 2)))
	assert.Nil(t, ips[1])
}
