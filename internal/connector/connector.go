// Package connector keeps one live connection to any of a replaceable set
// of candidate servers. Every resolve and connect is raced in parallel and
// tagged with the epoch it was started in; completions from an older epoch
// are dropped. All state is owned by a single event loop goroutine.
package connector

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateRacing
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRacing:
		return "racing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Candidate is one server address the connector may try.
type Candidate struct {
	Host string
	Port int
}

func (c Candidate) String() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer is satisfied by *net.Dialer and *tls.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectFunc receives each connection that completes in the current race.
// It may be called several times per race; the owner confirms one with
// Succeeded and releases any it rejects with Failed. Calls are serialized on
// a goroutine separate from the event loop.
type ConnectFunc func(conn net.Conn, c Candidate)

type Config struct {
	// Timeout is how long a race may run before it is restarted. The timer
	// is re-armed instead while a reported connection awaits Succeeded or
	// Failed, so owners may spend longer than Timeout vetting it.
	Timeout time.Duration
	Network string
}

func DefaultConfig() Config {
	return Config{
		Timeout: time.Second,
		Network: "tcp",
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Network == "" {
		c.Network = def.Network
	}
	return c
}

// Deps are the collaborators the connector runs against. Zero fields fall
// back to the system resolver, a plain net.Dialer and the wall clock.
type Deps struct {
	Resolver Resolver
	Dialer   Dialer
	Clock    clock.Clock
	Logger   zerolog.Logger
}

type Connector struct {
	cfg     Config
	deps    Deps
	logger  zerolog.Logger
	connect ConnectFunc

	loop      *executor
	callbacks *executor
	closeOnce sync.Once

	stateMu sync.RWMutex
	state   State
	subs    map[int]func(State)
	nextSub int

	// Owned by the loop.
	servers  []Candidate
	epoch    uint64
	cancel   context.CancelFunc
	pending  map[net.Conn]Candidate
	inflight int
	timer    *clock.Timer
	live     net.Conn
	closed   bool
}

// New returns an idle connector. Nothing is dialed until SetServers.
func New(cfg Config, deps Deps, connect ConnectFunc) *Connector {
	if deps.Resolver == nil {
		deps.Resolver = net.DefaultResolver
	}
	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Connector{
		cfg:       cfg.WithDefaults(),
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "connector").Logger(),
		connect:   connect,
		loop:      newExecutor(),
		callbacks: newExecutor(),
		subs:      make(map[int]func(State)),
		pending:   make(map[net.Conn]Candidate),
	}
}

// SetServers replaces the candidate list. Unless a connection is live, the
// current race is abandoned and a new one started.
func (c *Connector) SetServers(servers []Candidate) {
	list := make([]Candidate, len(servers))
	copy(list, servers)
	c.loop.push(func() {
		if c.closed {
			return
		}
		c.servers = list
		if c.currentState() == StateConnected {
			return
		}
		c.startRace("servers")
	})
}

// Succeeded confirms conn as the live connection. It reports false, and
// changes nothing, when conn is unknown or belongs to an abandoned race.
func (c *Connector) Succeeded(conn net.Conn) bool {
	var ok bool
	c.do(func() {
		if c.closed || c.currentState() != StateRacing {
			return
		}
		cand, found := c.pending[conn]
		if !found {
			return
		}
		delete(c.pending, conn)
		c.stopTimer()
		c.abandon()
		c.live = conn
		c.setState(StateConnected)
		c.logger.Info().
			Uint64("epoch", c.epoch).
			Str("candidate", cand.String()).
			Msg("connection confirmed")
		ok = true
	})
	return ok
}

// Failed releases a reported connection the owner rejected and closes it.
// The race carries on; if nothing else wins, the timer restarts it.
func (c *Connector) Failed(conn net.Conn) {
	c.loop.push(func() {
		if c.closed {
			return
		}
		cand, found := c.pending[conn]
		if !found {
			return
		}
		delete(c.pending, conn)
		_ = conn.Close()
		c.logger.Debug().
			Uint64("epoch", c.epoch).
			Str("candidate", cand.String()).
			Msg("connection rejected")
	})
}

// Disconnected reports that the live connection ended. A new race starts
// at once.
func (c *Connector) Disconnected() {
	c.loop.push(func() {
		if c.closed || c.currentState() != StateConnected {
			return
		}
		if c.live != nil {
			_ = c.live.Close()
			c.live = nil
		}
		c.logger.Info().Msg("connection lost")
		c.startRace("disconnect")
	})
}

// Close stops all attempts, closes any live connection and disarms the
// timer. The connector cannot be reused.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.loop.push(func() {
			c.closed = true
			c.epoch++
			c.stopTimer()
			c.abandon()
			if c.live != nil {
				_ = c.live.Close()
				c.live = nil
			}
			c.setState(StateClosed)
		})
		c.loop.stop()
		<-c.loop.done
		c.callbacks.stop()
	})
	return nil
}

func (c *Connector) State() State {
	return c.currentState()
}

// Subscribe registers fn for state changes. Notifications are delivered in
// order off the event loop. The returned func unsubscribes.
func (c *Connector) Subscribe(fn func(State)) func() {
	c.stateMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.stateMu.Unlock()
	return func() {
		c.stateMu.Lock()
		delete(c.subs, id)
		c.stateMu.Unlock()
	}
}

func (c *Connector) do(fn func()) bool {
	done := make(chan struct{})
	if !c.loop.push(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

func (c *Connector) currentState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.stateMu.Unlock()
	c.callbacks.push(func() {
		for _, fn := range subs {
			fn(s)
		}
	})
}
