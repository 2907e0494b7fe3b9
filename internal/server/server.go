// Package server accepts protocol clients, runs the server handshake and
// fans entry changes out to every live session at that session's revision.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/session"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var ErrNotListening = errors.New("server: not listening")

const DefaultListen = ":1735"

type Config struct {
	Listen string
	// PersistPath, when set, is where persistent entries are kept across
	// restarts.
	PersistPath     string
	PersistInterval time.Duration
	Session         session.Config
}

func DefaultConfig() Config {
	return Config{
		Listen:          DefaultListen,
		PersistInterval: DefaultPersistInterval,
		Session:         session.DefaultConfig(),
	}
}

type Server struct {
	cfg     Config
	logger  zerolog.Logger
	table   *Table
	persist *persister

	// applyMu orders table changes with their broadcast and with the
	// snapshot handed to a joining client.
	applyMu sync.Mutex

	mu       sync.RWMutex
	ln       net.Listener
	sessions map[string]*session.Session
	joining  map[*joiner]struct{}
	seen     map[string]struct{}
}

// joiner is a client between its snapshot and its first live broadcast.
// Broadcasts meant for it are queued until the handshake completes.
type joiner struct {
	snapshot []*protocol.Message
	queue    []*protocol.Message
}

func New(cfg Config, table *Table, logger zerolog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	if table == nil {
		table = NewTable()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		table:    table,
		sessions: make(map[string]*session.Session),
		joining:  make(map[*joiner]struct{}),
		seen:     make(map[string]struct{}),
	}
	if cfg.PersistPath != "" {
		s.persist = &persister{
			path:     cfg.PersistPath,
			interval: cfg.PersistInterval,
			table:    table,
			logger:   s.logger,
		}
	}
	return s
}

// LoadPersistent restores entries saved by an earlier run. It is a no-op
// without a PersistPath.
func (s *Server) LoadPersistent() (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	n, err := s.persist.load()
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int("entries", n).Str("path", s.cfg.PersistPath).Msg("persistent entries loaded")
	return n, nil
}

func (s *Server) Table() *Table {
	return s.table
}

// Listen binds the configured address, wrapping it in TLS when enabled.
func (s *Server) Listen() error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts until ctx ends or the listener fails. Each connection runs
// in its own goroutine; Serve waits for all of them before returning.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln == nil {
		return ErrNotListening
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	if s.persist != nil {
		g.Go(func() error { return s.persist.run(ctx) })
	}
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.handle(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	j := s.join()
	sess, err := session.ServerHandshake(ctx, conn, s.cfg.Session, session.Welcome{
		Snapshot: j.snapshot,
		Flags:    s.helloFlags,
	}, logger)
	if err != nil {
		s.mu.Lock()
		delete(s.joining, j)
		s.mu.Unlock()
		logger.Warn().Err(err).Msg("handshake failed")
		_ = conn.Close()
		return
	}
	if err := s.admit(j, sess); err != nil {
		logger.Warn().Err(err).Str("session", sess.ID()).Msg("catch-up failed")
		_ = sess.Close()
		return
	}

	for _, msg := range sess.Snapshot() {
		s.apply(sess, msg)
	}
	err = sess.Run(ctx, session.HandlerFunc(s.apply))

	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	if err != nil {
		logger.Warn().Err(err).Str("session", sess.ID()).Msg("session ended")
		return
	}
	logger.Info().Str("session", sess.ID()).Msg("session ended")
}

// join snapshots the table and starts queueing every later broadcast for
// the caller.
func (s *Server) join() *joiner {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	j := &joiner{snapshot: s.table.Snapshot()}
	s.mu.Lock()
	s.joining[j] = struct{}{}
	s.mu.Unlock()
	return j
}

// admit sends sess whatever was queued while it handshook and then makes
// it a broadcast target. The queue is drained outside the lock; the swap to
// live happens only once it is seen empty.
func (s *Server) admit(j *joiner, sess *session.Session) error {
	for {
		s.mu.Lock()
		queued := j.queue
		j.queue = nil
		if len(queued) == 0 {
			delete(s.joining, j)
			s.sessions[sess.ID()] = sess
			if id := sess.PeerIdentity(); id != "" {
				s.seen[id] = struct{}{}
			}
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if _, err := sess.Send(queued...); err != nil {
			s.mu.Lock()
			delete(s.joining, j)
			s.mu.Unlock()
			return err
		}
	}
}

// helloFlags marks a client identity that has completed a handshake with
// this server before.
func (s *Server) helloFlags(identity string) uint8 {
	if identity == "" {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.seen[identity]; ok {
		return protocol.ServerFlagReconnect
	}
	return 0
}

// apply folds a client change into the table and echoes the result to
// every session, including the sender so it learns assigned ids.
func (s *Server) apply(from *session.Session, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgEntryAssign, protocol.MsgEntryUpdate, protocol.MsgFlagsUpdate,
		protocol.MsgEntryDelete, protocol.MsgClearEntries:
	case protocol.MsgExecuteRPC:
		// No rpc targets are hosted here; answer with an empty result so
		// the caller does not wait forever.
		_, _ = from.Send(protocol.RPCResponse(msg.ID, msg.UID, nil))
		return
	default:
		return
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	out, err := s.table.Apply(msg)
	if err != nil {
		s.logger.Debug().Err(err).Str("session", from.ID()).Str("message", msg.Type.String()).Msg("change dropped")
		return
	}
	if s.persist != nil {
		s.persist.markDirty()
	}
	if err := s.Broadcast(out); err != nil {
		s.logger.Warn().Err(err).Msg("broadcast incomplete")
	}
}

// Broadcast sends msgs to every session and queues them for clients still
// handshaking. Each session encodes at its own revision, so messages newer
// than a peer's revision are skipped for that peer.
func (s *Server) Broadcast(msgs ...*protocol.Message) error {
	s.mu.Lock()
	targets := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	for j := range s.joining {
		j.queue = append(j.queue, msgs...)
	}
	s.mu.Unlock()

	var errs error
	for _, sess := range targets {
		if _, err := sess.Send(msgs...); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Sessions lists live sessions ordered by id.
func (s *Server) Sessions() []session.Info {
	s.mu.RLock()
	out := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status is the /status payload.
type Status struct {
	Addr     string         `json:"addr"`
	Entries  int            `json:"entries"`
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) Status() Status {
	st := Status{Entries: s.table.Len(), Sessions: s.Sessions()}
	if addr := s.Addr(); addr != nil {
		st.Addr = addr.String()
	}
	return st
}

// Close stops accepting and closes every session.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	for _, sess := range sessions {
		errs = multierr.Append(errs, sess.Close())
	}
	return errs
}
