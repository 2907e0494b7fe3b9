package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/nettables/internal/observability"
	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionClosed       = errors.New("session: closed")
	ErrUnsupportedRevision = errors.New("session: unsupported revision")
	ErrUnexpectedMessage   = errors.New("session: unexpected message")
	ErrCallIDsExhausted    = errors.New("session: no free rpc uid")
)

type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Handler receives every inbound message except keep-alives and rpc
// responses that complete a pending Call. It runs on the read goroutine.
type Handler interface {
	HandleMessage(s *Session, msg *protocol.Message)
}

type HandlerFunc func(s *Session, msg *protocol.Message)

func (f HandlerFunc) HandleMessage(s *Session, msg *protocol.Message) {
	f(s, msg)
}

// Info is a point-in-time view of a session for status endpoints.
type Info struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	Revision     string `json:"revision"`
	Peer         string `json:"peer"`
	Remote       string `json:"remote"`
	PendingCalls int    `json:"pending_calls"`
}

// Session is a connection past the handshake. The revision is fixed for
// its lifetime and every send is encoded at it.
type Session struct {
	id       string
	role     Role
	conn     net.Conn
	reader   *frame.Reader
	writer   *frame.Writer
	cfg      Config
	logger   zerolog.Logger
	rev      protocol.Revision
	peer     string
	flags    uint8
	snapshot []*protocol.Message

	sendMu  sync.Mutex
	typesMu sync.Mutex
	types   *protocol.TypeTable
	calls   *CallOutbox

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

type sessionParams struct {
	conn     net.Conn
	reader   *frame.Reader
	writer   *frame.Writer
	cfg      Config
	role     Role
	rev      protocol.Revision
	peer     string
	flags    uint8
	snapshot []*protocol.Message
	types    *protocol.TypeTable
	logger   zerolog.Logger
}

func newSession(p sessionParams) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		role:     p.role,
		conn:     p.conn,
		reader:   p.reader,
		writer:   p.writer,
		cfg:      p.cfg,
		rev:      p.rev,
		peer:     p.peer,
		flags:    p.flags,
		snapshot: p.snapshot,
		types:    p.types,
		calls:    NewCallOutbox(),
		done:     make(chan struct{}),
		logger: p.logger.With().
			Str("session", id).
			Str("role", string(p.role)).
			Str("revision", p.rev.String()).
			Str("remote", remoteString(p.conn)).
			Logger(),
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Role() Role                  { return s.role }
func (s *Session) Revision() protocol.Revision { return s.rev }
func (s *Session) PeerIdentity() string        { return s.peer }
func (s *Session) PeerFlags() uint8            { return s.flags }
func (s *Session) Conn() net.Conn              { return s.conn }
func (s *Session) Done() <-chan struct{}       { return s.done }

// Snapshot returns the entry assignments received during the handshake.
func (s *Session) Snapshot() []*protocol.Message {
	out := make([]*protocol.Message, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Info() Info {
	return Info{
		ID:           s.id,
		Role:         s.role,
		Revision:     s.rev.String(),
		Peer:         s.peer,
		Remote:       remoteString(s.conn),
		PendingCalls: s.calls.Len(),
	}
}

// Send encodes msgs at the session revision. Messages not legal at that
// revision are dropped; n counts those written. A write failure closes the
// session.
func (s *Session) Send(msgs ...*protocol.Message) (n int, err error) {
	select {
	case <-s.done:
		return 0, ErrSessionClosed
	default:
	}
	s.sendMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	n, err = s.writer.WriteMessages(s.rev, msgs...)
	s.sendMu.Unlock()
	if err != nil {
		s.closeWith(fmt.Errorf("session: write: %w", err))
		return n, err
	}
	for _, msg := range msgs {
		if !protocol.Legal(msg, s.rev) {
			continue
		}
		if msg.Type != protocol.MsgKeepAlive {
			s.observe(msg)
		}
		observability.RecordSessionMessage("out", msg.Type.String())
	}
	return n, nil
}

// Run reads until the peer goes away, ctx ends, or Close is called, and
// sends keep-alives meanwhile. It returns nil for a clean close.
func (s *Session) Run(ctx context.Context, h Handler) error {
	observability.SessionOpened(string(s.role))
	defer observability.SessionClosed(string(s.role))

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { s.closeWith(ctx.Err()) })
	defer stop()

	g.Go(func() error { return s.readLoop(h) })
	g.Go(func() error { return s.keepAlive(gctx) })
	_ = g.Wait()

	err := s.Err()
	if errors.Is(err, io.EOF) || errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Call sends ExecuteRPC and waits for the matching RPCResponse.
func (s *Session) Call(ctx context.Context, id uint16, params []byte) ([]byte, error) {
	if floor := protocol.MsgExecuteRPC.MinRevision(); !s.rev.AtLeast(floor) {
		return nil, fmt.Errorf("%w: rpc requires %s, session at %s", protocol.ErrRevision, floor, s.rev)
	}
	uid, done, ok := s.calls.Add(id, time.Now())
	if !ok {
		return nil, ErrCallIDsExhausted
	}
	if _, err := s.Send(protocol.ExecuteRPC(id, uid, params)); err != nil {
		s.calls.Remove(id, uid)
		return nil, err
	}
	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		s.calls.Remove(id, uid)
		return nil, ctx.Err()
	}
}

func (s *Session) Close() error {
	s.closeWith(ErrSessionClosed)
	return nil
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		close(s.done)
		s.writer.Close()
		_ = s.conn.Close()
		s.calls.FailAll(ErrSessionClosed)
		s.logger.Debug().AnErr("cause", cause).Msg("session closed")
	})
}

func (s *Session) readLoop(h Handler) error {
	lookup := typeView{s}
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := s.reader.ReadMessage(s.rev, lookup)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) {
				observability.RecordDecodeError(decErr.Type.String())
				s.logger.Error().Err(err).Msg("decode failed")
			}
			s.closeWith(err)
			return nil
		}
		s.dispatch(msg, h)
	}
}

func (s *Session) dispatch(msg *protocol.Message, h Handler) {
	observability.RecordSessionMessage("in", msg.Type.String())
	switch msg.Type {
	case protocol.MsgKeepAlive:
		return
	case protocol.MsgEntryAssign, protocol.MsgEntryDelete, protocol.MsgClearEntries:
		s.observe(msg)
	case protocol.MsgRPCResponse:
		if s.calls.Resolve(msg.ID, msg.UID, msg.Blob) {
			return
		}
	}
	if h != nil {
		h.HandleMessage(s, msg)
	}
}

func (s *Session) keepAlive(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			if _, err := s.Send(protocol.KeepAlive()); err != nil {
				return nil
			}
		}
	}
}

func (s *Session) observe(msg *protocol.Message) {
	s.typesMu.Lock()
	s.types.Observe(msg)
	s.typesMu.Unlock()
}

// typeView gives the decoder locked access to the session type table.
type typeView struct {
	s *Session
}

func (v typeView) Lookup(id uint16) (protocol.ValueType, bool) {
	v.s.typesMu.Lock()
	defer v.s.typesMu.Unlock()
	return v.s.types.Lookup(id)
}

func remoteString(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
