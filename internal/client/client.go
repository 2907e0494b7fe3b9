// Package client keeps a protocol session alive against whichever of the
// configured servers answers first, optionally steered by the address the
// local driver station reports.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/nettables/internal/connector"
	"github.com/danmuck/nettables/internal/discovery"
	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrNoServers    = errors.New("client: no servers configured")
)

const DefaultPort = 1735

type Config struct {
	Servers []connector.Candidate
	// Port applies to the discovered robot address.
	Port int
	// Discover enables following the local driver station.
	Discover  bool
	Session   session.Config
	Connector connector.Config
	Discovery discovery.Config
}

func DefaultConfig() Config {
	return Config{
		Port:      DefaultPort,
		Session:   session.DefaultConfig(),
		Connector: connector.DefaultConfig(),
		Discovery: discovery.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	c.Session = c.Session.WithDefaults()
	c.Connector = c.Connector.WithDefaults()
	c.Discovery = c.Discovery.WithDefaults()
	return c
}

type Deps struct {
	Resolver connector.Resolver
	// Dialer overrides the transport; when nil a TLS or plain dialer is
	// built from Session.TLS.
	Dialer          connector.Dialer
	DiscoveryDialer discovery.Dialer
	Clock           clock.Clock
	Logger          zerolog.Logger
}

// LocalFunc returns the entries pushed to the server after each handshake.
type LocalFunc func() []*protocol.Message

type Client struct {
	cfg     Config
	logger  zerolog.Logger
	handler session.Handler
	local   LocalFunc

	conn *connector.Connector
	disc *discovery.Client

	mu         sync.RWMutex
	configured []connector.Candidate
	robot      net.IP
	current    *session.Session
	stopped    bool

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps, handler session.Handler, local LocalFunc) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 && !cfg.Discover {
		return nil, ErrNoServers
	}
	if deps.Dialer == nil {
		tlsCfg, err := cfg.Session.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		if tlsCfg != nil {
			deps.Dialer = &tls.Dialer{Config: tlsCfg}
		}
	}
	if local == nil {
		local = func() []*protocol.Message { return nil }
	}

	c := &Client{
		cfg:        cfg,
		logger:     deps.Logger.With().Str("component", "client").Logger(),
		handler:    handler,
		local:      local,
		configured: append([]connector.Candidate(nil), cfg.Servers...),
	}
	c.conn = connector.New(cfg.Connector, connector.Deps{
		Resolver: deps.Resolver,
		Dialer:   deps.Dialer,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
	}, c.onConnect)
	if cfg.Discover {
		c.disc = discovery.New(cfg.Discovery, discovery.Deps{
			Dialer: deps.DiscoveryDialer,
			Clock:  deps.Clock,
			Logger: deps.Logger,
		}, c.onDiscovered)
	}
	return c, nil
}

// Run starts racing the candidate list and blocks until ctx ends. On return
// the connector is closed and every handshake or session it started has
// finished.
func (c *Client) Run(ctx context.Context) error {
	unsubscribe := c.conn.Subscribe(func(st connector.State) {
		c.logger.Debug().Stringer("state", st).Msg("connector state changed")
	})
	defer unsubscribe()
	c.conn.SetServers(c.candidates())

	g, ctx := errgroup.WithContext(ctx)
	if c.disc != nil {
		g.Go(func() error { return c.disc.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		err := c.conn.Close()
		if s := c.Session(); s != nil {
			_ = s.Close()
		}
		return err
	})
	err := g.Wait()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wg.Wait()
	return err
}

// SetServers replaces the configured candidates. A discovered robot address
// stays ahead of them.
func (c *Client) SetServers(servers []connector.Candidate) {
	c.mu.Lock()
	c.configured = append([]connector.Candidate(nil), servers...)
	c.mu.Unlock()
	c.conn.SetServers(c.candidates())
}

func (c *Client) candidates() []connector.Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]connector.Candidate, 0, len(c.configured)+1)
	if c.robot != nil {
		out = append(out, connector.Candidate{Host: c.robot.String(), Port: c.cfg.Port})
	}
	return append(out, c.configured...)
}

func (c *Client) onDiscovered(ip net.IP) {
	c.mu.Lock()
	c.robot = ip
	c.mu.Unlock()
	c.logger.Info().Stringer("robot_ip", ip).Msg("driver station address changed")
	c.conn.SetServers(c.candidates())
}

// onConnect runs on the connector's callback goroutine, so the handshake
// is moved off it to let other candidates keep arriving.
func (c *Client) onConnect(conn net.Conn, cand connector.Candidate) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.serve(conn, cand)
	}()
}

func (c *Client) serve(conn net.Conn, cand connector.Candidate) {
	logger := c.logger.With().Str("candidate", cand.String()).Logger()
	sess, err := session.ClientHandshake(context.Background(), conn, c.cfg.Session, c.local(), logger)
	if err != nil {
		logger.Debug().Err(err).Msg("handshake failed")
		_ = conn.Close()
		c.conn.Failed(conn)
		return
	}
	if !c.conn.Succeeded(conn) {
		logger.Debug().Msg("lost race")
		_ = sess.Close()
		return
	}

	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()
	logger.Info().
		Str("session", sess.ID()).
		Str("revision", sess.Revision().String()).
		Str("peer", sess.PeerIdentity()).
		Bool("reconnect", sess.PeerFlags()&protocol.ServerFlagReconnect != 0).
		Msg("connected")

	if c.handler != nil {
		for _, msg := range sess.Snapshot() {
			c.handler.HandleMessage(sess, msg)
		}
	}
	err = sess.Run(context.Background(), c.handler)

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
	logger.Info().Err(err).Str("session", sess.ID()).Msg("disconnected")
	c.conn.Disconnected()
}

// Session returns the live session, or nil between connections.
func (c *Client) Session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Client) Send(msgs ...*protocol.Message) (int, error) {
	s := c.Session()
	if s == nil {
		return 0, ErrNotConnected
	}
	return s.Send(msgs...)
}

func (c *Client) Call(ctx context.Context, id uint16, params []byte) ([]byte, error) {
	s := c.Session()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.Call(ctx, id, params)
}

// Status is the /status payload.
type Status struct {
	Connector connector.Status `json:"connector"`
	RobotIP   string           `json:"robot_ip,omitempty"`
	Session   *session.Info    `json:"session,omitempty"`
}

func (c *Client) Status() Status {
	st := Status{Connector: c.conn.Status()}
	c.mu.RLock()
	if c.robot != nil {
		st.RobotIP = c.robot.String()
	}
	s := c.current
	c.mu.RUnlock()
	if s != nil {
		info := s.Info()
		st.Session = &info
	}
	return st
}
