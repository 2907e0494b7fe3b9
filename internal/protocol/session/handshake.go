package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// ClientHandshake negotiates a session over conn. It requests cfg.Revision
// and, if the server answers ProtoUnsup with a lower revision this side
// speaks, retries once at that revision on the same connection. local
// entries are pushed after the server snapshot.
func ClientHandshake(
	ctx context.Context,
	conn net.Conn,
	cfg Config,
	local []*protocol.Message,
	logger zerolog.Logger,
) (*Session, error) {
	cfg = cfg.WithDefaults()
	release := armDeadline(ctx, conn, cfg.HandshakeTimeout)
	defer release()

	r := frame.NewReader(conn, cfg.Limits)
	w := frame.NewWriter(conn, cfg.Limits)
	types := protocol.NewTypeTable()
	rev := cfg.Revision

	if _, err := w.WriteMessages(rev, protocol.ClientHello(rev, cfg.Identity)); err != nil {
		return nil, handshakeErr(ctx, err)
	}

	var (
		peer       string
		flags      uint8
		snapshot   []*protocol.Message
		downgraded bool
	)
	for done := false; !done; {
		msg, err := r.ReadMessage(rev, types)
		if err != nil {
			return nil, handshakeErr(ctx, err)
		}
		switch msg.Type {
		case protocol.MsgProtoUnsup:
			if downgraded || msg.Revision.AtLeast(rev) || !cfg.Supports(msg.Revision) {
				return nil, fmt.Errorf("%w: server offers %s", ErrUnsupportedRevision, msg.Revision)
			}
			logger.Info().
				Str("requested", rev.String()).
				Str("offered", msg.Revision.String()).
				Msg("server requested lower revision")
			rev = msg.Revision
			downgraded = true
			if _, err := w.WriteMessages(rev, protocol.ClientHello(rev, cfg.Identity)); err != nil {
				return nil, handshakeErr(ctx, err)
			}
		case protocol.MsgServerHello:
			flags = msg.Flags
			peer = msg.Identity
		case protocol.MsgEntryAssign:
			types.Observe(msg)
			snapshot = append(snapshot, msg)
		case protocol.MsgKeepAlive:
		case protocol.MsgServerHelloDone:
			done = true
		default:
			return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedMessage, msg.Type)
		}
	}

	out := make([]*protocol.Message, 0, len(local)+1)
	out = append(out, local...)
	out = append(out, protocol.ClientHelloDone())
	if _, err := w.WriteMessages(rev, out...); err != nil {
		return nil, handshakeErr(ctx, err)
	}

	s := newSession(sessionParams{
		conn:     conn,
		reader:   r,
		writer:   w,
		cfg:      cfg,
		role:     RoleClient,
		rev:      rev,
		peer:     peer,
		flags:    flags,
		snapshot: snapshot,
		types:    types,
		logger:   logger,
	})
	s.logger.Info().Str("peer", peer).Int("entries", len(snapshot)).Msg("handshake complete")
	return s, nil
}

// Welcome is what a server tells a new client during the handshake.
type Welcome struct {
	// Snapshot is sent between ServerHello and ServerHelloDone.
	Snapshot []*protocol.Message
	// Flags picks the ServerHello flags once the client identity is known.
	// Nil sends zero.
	Flags    func(identity string) uint8
}

// ServerHandshake answers a client on conn. A client asking for a revision
// this side cannot speak gets ProtoUnsup and one more chance.
func ServerHandshake(
	ctx context.Context,
	conn net.Conn,
	cfg Config,
	welcome Welcome,
	logger zerolog.Logger,
) (*Session, error) {
	cfg = cfg.WithDefaults()
	release := armDeadline(ctx, conn, cfg.HandshakeTimeout)
	defer release()

	r := frame.NewReader(conn, cfg.Limits)
	w := frame.NewWriter(conn, cfg.Limits)

	hello, err := readClientHello(r, cfg.Revision)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	if !cfg.Supports(hello.Revision) {
		logger.Info().
			Str("requested", hello.Revision.String()).
			Str("offered", cfg.Revision.String()).
			Msg("client requested unsupported revision")
		if _, err := w.WriteMessages(cfg.Revision, protocol.ProtoUnsup(cfg.Revision)); err != nil {
			return nil, handshakeErr(ctx, err)
		}
		if hello, err = readClientHello(r, cfg.Revision); err != nil {
			return nil, handshakeErr(ctx, err)
		}
		if !cfg.Supports(hello.Revision) {
			return nil, fmt.Errorf("%w: client requested %s", ErrUnsupportedRevision, hello.Revision)
		}
	}
	rev := hello.Revision

	var flags uint8
	if welcome.Flags != nil {
		flags = welcome.Flags(hello.Identity)
	}
	types := protocol.NewTypeTable()
	out := make([]*protocol.Message, 0, len(welcome.Snapshot)+2)
	out = append(out, protocol.ServerHello(flags, cfg.Identity))
	for _, msg := range welcome.Snapshot {
		types.Observe(msg)
		out = append(out, msg)
	}
	out = append(out, protocol.ServerHelloDone())
	if _, err := w.WriteMessages(rev, out...); err != nil {
		return nil, handshakeErr(ctx, err)
	}

	var pushed []*protocol.Message
	for done := !rev.AtLeast(protocol.Revision3); !done; {
		msg, err := r.ReadMessage(rev, types)
		if err != nil {
			return nil, handshakeErr(ctx, err)
		}
		switch msg.Type {
		case protocol.MsgEntryAssign:
			pushed = append(pushed, msg)
		case protocol.MsgKeepAlive:
		case protocol.MsgClientHelloDone:
			done = true
		default:
			return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedMessage, msg.Type)
		}
	}

	s := newSession(sessionParams{
		conn:     conn,
		reader:   r,
		writer:   w,
		cfg:      cfg,
		role:     RoleServer,
		rev:      rev,
		peer:     hello.Identity,
		snapshot: pushed,
		types:    types,
		logger:   logger,
	})
	s.logger.Info().
		Str("peer", hello.Identity).
		Uint8("flags", flags).
		Int("entries", len(welcome.Snapshot)).
		Msg("handshake complete")
	return s, nil
}

func readClientHello(r *frame.Reader, rev protocol.Revision) (*protocol.Message, error) {
	msg, err := r.ReadMessage(rev, nil)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.MsgClientHello {
		return nil, fmt.Errorf("%w: %s before client hello", ErrUnexpectedMessage, msg.Type)
	}
	return msg, nil
}

// armDeadline bounds the handshake by timeout and ctx. The returned func
// clears the deadline.
func armDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func handshakeErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("session: handshake: %w", err)
}
