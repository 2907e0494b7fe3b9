package connector

import (
	"context"
	"net"
	"strconv"

	"github.com/danmuck/nettables/internal/observability"
)

// startRace abandons the current epoch and starts resolving every
// candidate under a new one. Runs on the loop.
func (c *Connector) startRace(reason string) {
	c.abandon()
	c.epoch++
	epoch := c.epoch
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.armTimer(epoch)
	c.setState(StateRacing)
	observability.RecordRace(reason)

	c.logger.Debug().
		Uint64("epoch", epoch).
		Str("reason", reason).
		Int("candidates", len(c.servers)).
		Msg("race started")
	for _, cand := range c.servers {
		c.inflight++
		go c.resolve(ctx, epoch, cand)
	}
}

// abandon cancels outstanding attempts and closes connections that were
// reported but not confirmed.
func (c *Connector) abandon() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for conn := range c.pending {
		_ = conn.Close()
	}
	clear(c.pending)
	c.inflight = 0
}

func (c *Connector) armTimer(epoch uint64) {
	c.stopTimer()
	c.timer = c.deps.Clock.AfterFunc(c.cfg.Timeout, func() {
		c.loop.push(func() { c.onTimeout(epoch) })
	})
}

func (c *Connector) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connector) onTimeout(epoch uint64) {
	if c.closed || epoch != c.epoch || c.currentState() != StateRacing {
		return
	}
	if len(c.pending) > 0 {
		c.logger.Debug().
			Uint64("epoch", epoch).
			Int("unconfirmed", len(c.pending)).
			Msg("race timed out, awaiting confirmation")
		c.armTimer(epoch)
		return
	}
	c.logger.Info().
		Uint64("epoch", epoch).
		Int("inflight", c.inflight).
		Msg("race timed out, retrying")
	c.startRace("timeout")
}

func (c *Connector) current(epoch uint64) bool {
	return !c.closed && epoch == c.epoch && c.currentState() == StateRacing
}

func (c *Connector) resolve(ctx context.Context, epoch uint64, cand Candidate) {
	addrs, err := c.deps.Resolver.LookupHost(ctx, cand.Host)
	c.loop.push(func() { c.onResolved(ctx, epoch, cand, addrs, err) })
}

func (c *Connector) onResolved(ctx context.Context, epoch uint64, cand Candidate, addrs []string, err error) {
	if !c.current(epoch) {
		observability.RecordAttempt("resolve", "stale")
		return
	}
	c.inflight--
	if err != nil {
		observability.RecordAttempt("resolve", "error")
		c.logger.Warn().
			Err(err).
			Uint64("epoch", epoch).
			Str("candidate", cand.String()).
			Msg("resolve failed")
		return
	}
	observability.RecordAttempt("resolve", "ok")
	port := strconv.Itoa(cand.Port)
	for _, addr := range addrs {
		c.inflight++
		go c.dial(ctx, epoch, cand, net.JoinHostPort(addr, port))
	}
}

func (c *Connector) dial(ctx context.Context, epoch uint64, cand Candidate, addr string) {
	conn, err := c.deps.Dialer.DialContext(ctx, c.cfg.Network, addr)
	if !c.loop.push(func() { c.onDialed(epoch, cand, addr, conn, err) }) && conn != nil {
		_ = conn.Close()
	}
}

func (c *Connector) onDialed(epoch uint64, cand Candidate, addr string, conn net.Conn, err error) {
	if !c.current(epoch) {
		observability.RecordAttempt("connect", "stale")
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.inflight--
	if err != nil {
		observability.RecordAttempt("connect", "error")
		c.logger.Warn().
			Err(err).
			Uint64("epoch", epoch).
			Str("candidate", cand.String()).
			Str("addr", addr).
			Msg("connect failed")
		return
	}
	observability.RecordAttempt("connect", "ok")
	c.pending[conn] = cand
	c.logger.Debug().
		Uint64("epoch", epoch).
		Str("candidate", cand.String()).
		Str("addr", addr).
		Msg("connected")
	if c.connect != nil {
		c.callbacks.push(func() { c.connect(conn, cand) })
	}
}

// Status is a point-in-time view of the connector for status endpoints.
type Status struct {
	State       string   `json:"state"`
	Epoch       uint64   `json:"epoch"`
	Servers     []string `json:"servers"`
	Inflight    int      `json:"inflight"`
	Unconfirmed int      `json:"unconfirmed"`
}

func (c *Connector) Status() Status {
	st := Status{State: c.State().String()}
	c.do(func() {
		st.Epoch = c.epoch
		st.Inflight = c.inflight
		st.Unconfirmed = len(c.pending)
		st.Servers = make([]string, 0, len(c.servers))
		for _, s := range c.servers {
			st.Servers = append(st.Servers, s.String())
		}
	})
	return st
}
