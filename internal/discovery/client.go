// Package discovery follows the local driver station, which reports the
// robot address as a stream of JSON objects carrying an integer robotIP.
package discovery

import (
	"bufio"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/nettables/internal/protocol/session"
	"github.com/rs/zerolog"
)

const DefaultAddr = "127.0.0.1:1742"

type Config struct {
	Addr        string
	DialTimeout time.Duration
	// MaxObject bounds buffered bytes while waiting for a closing brace.
	MaxObject int
	Backoff   session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:        DefaultAddr,
		DialTimeout: time.Second,
		MaxObject:   64 * 1024,
		Backoff:     session.DefaultConfig().Backoff,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MaxObject <= 0 {
		c.MaxObject = def.MaxObject
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Deps struct {
	Dialer Dialer
	Clock  clock.Clock
	Logger zerolog.Logger
}

// ChangeFunc receives the robot address whenever it changes. nil means the
// driver station reports no robot or went away.
type ChangeFunc func(ip net.IP)

type Client struct {
	cfg      Config
	dialer   Dialer
	clock    clock.Clock
	logger   zerolog.Logger
	onChange ChangeFunc

	mu      sync.Mutex
	current net.IP
}

func New(cfg Config, deps Deps, onChange ChangeFunc) *Client {
	cfg = cfg.WithDefaults()
	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Client{
		cfg:      cfg,
		dialer:   deps.Dialer,
		clock:    deps.Clock,
		logger:   deps.Logger.With().Str("component", "discovery").Str("addr", cfg.Addr).Logger(),
		onChange: onChange,
	}
}

// RobotIP returns the last reported address, or nil.
func (c *Client) RobotIP() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run connects to the driver station and reconnects after a backoff delay
// whenever the link drops or cannot be made. It returns when ctx ends.
func (c *Client) Run(ctx context.Context) error {
	backoff := session.NewBackoff(c.cfg.Backoff, rand.New(rand.NewSource(time.Now().UnixNano())))
	for {
		err := c.follow(ctx, backoff)
		c.update(nil)
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next()
		c.logger.Debug().
			Err(err).
			Int("attempt", backoff.Attempts()).
			Dur("retry_in", delay).
			Msg("driver station unavailable")

		timer := c.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) follow(ctx context.Context, backoff *session.Backoff) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.cfg.Addr)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	backoff.Reset()
	c.logger.Info().Msg("driver station connected")

	r := bufio.NewReader(conn)
	chunk := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			pending = c.consume(pending)
			if len(pending) > c.cfg.MaxObject {
				c.logger.Warn().Int("buffered", len(pending)).Err(ErrObjectTooLong).Msg("dropping buffered data")
				pending = pending[:0]
			}
		}
		if err != nil {
			return err
		}
	}
}

// consume handles every complete object in buf and returns the remainder.
func (c *Client) consume(buf []byte) []byte {
	for {
		obj, rest, err := nextObject(buf)
		if errors.Is(err, ErrNoObject) {
			return rest
		}
		buf = rest
		ip, found, err := parseRobotIP(obj)
		if err != nil {
			c.logger.Warn().Err(err).Msg("ignoring driver station message")
			continue
		}
		if found {
			c.update(ip)
		}
	}
}

func (c *Client) update(ip net.IP) {
	c.mu.Lock()
	if c.current.Equal(ip) {
		c.mu.Unlock()
		return
	}
	c.current = ip
	c.mu.Unlock()

	if ip == nil {
		c.logger.Info().Msg("robot address cleared")
	} else {
		c.logger.Info().Str("robot", ip.String()).Msg("robot address reported")
	}
	if c.onChange != nil {
		c.onChange(ip)
	}
}
