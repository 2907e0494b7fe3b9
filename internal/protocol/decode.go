package protocol

import (
	"errors"
	"io"

	"github.com/danmuck/nettables/internal/protocol/wire"
)

// Decode reads one message at rev. A clean end of stream before the
// discriminant returns io.EOF and transport errors on the discriminant pass
// through unchanged; every other failure is a *DecodeError.
// types resolves value types for EntryUpdate below 0x0300 and may be nil.
func Decode(r *wire.Reader, rev Revision, types TypeLookup) (*Message, error) {
	tag, err := r.ReadTag()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	d := decoder{r: r, rev: rev, msg: &Message{Type: MessageType(tag)}}
	if !d.msg.Type.Known() {
		return nil, d.fail("", ErrUnknownMessage)
	}
	if floor := d.msg.Type.MinRevision(); !rev.AtLeast(floor) {
		return nil, d.fail("", revisionError(floor, rev))
	}
	if err := d.body(types); err != nil {
		return nil, err
	}
	return d.msg, nil
}

type decoder struct {
	r   *wire.Reader
	rev Revision
	msg *Message
}

func (d *decoder) fail(field string, err error) error {
	return &DecodeError{Type: d.msg.Type, Field: field, Err: err}
}

func (d *decoder) body(types TypeLookup) error {
	m := d.msg
	var err error
	switch m.Type {
	case MsgKeepAlive, MsgServerHelloDone, MsgClientHelloDone:
		return nil
	case MsgClientHello:
		rev, err := d.r.ReadUint16()
		if err != nil {
			return d.fail("revision", err)
		}
		m.Revision = Revision(rev)
		if m.Revision.AtLeast(Revision3) {
			if m.Identity, err = d.r.ReadString(m.Revision); err != nil {
				return d.fail("identity", err)
			}
		}
		return nil
	case MsgProtoUnsup:
		rev, err := d.r.ReadUint16()
		if err != nil {
			return d.fail("revision", err)
		}
		m.Revision = Revision(rev)
		return nil
	case MsgServerHello:
		if m.Flags, err = d.r.ReadUint8(); err != nil {
			return d.fail("flags", err)
		}
		if m.Identity, err = d.r.ReadString(d.rev); err != nil {
			return d.fail("identity", err)
		}
		return nil
	case MsgEntryAssign:
		if m.Name, err = d.r.ReadString(d.rev); err != nil {
			return d.fail("name", err)
		}
		typ, err := d.r.ReadUint8()
		if err != nil {
			return d.fail("type", err)
		}
		if err := d.ids(); err != nil {
			return err
		}
		if d.rev.AtLeast(Revision3) {
			if m.Flags, err = d.r.ReadUint8(); err != nil {
				return d.fail("flags", err)
			}
		}
		return d.value(ValueType(typ))
	case MsgEntryUpdate:
		if err := d.ids(); err != nil {
			return err
		}
		if d.rev.AtLeast(Revision3) {
			typ, err := d.r.ReadUint8()
			if err != nil {
				return d.fail("type", err)
			}
			return d.value(ValueType(typ))
		}
		if types == nil {
			return d.fail("type", ErrUnknownEntry)
		}
		typ, ok := types.Lookup(m.ID)
		if !ok {
			return d.fail("type", ErrUnknownEntry)
		}
		return d.value(typ)
	case MsgFlagsUpdate:
		if m.ID, err = d.r.ReadUint16(); err != nil {
			return d.fail("id", err)
		}
		if m.Flags, err = d.r.ReadUint8(); err != nil {
			return d.fail("flags", err)
		}
		return nil
	case MsgEntryDelete:
		if m.ID, err = d.r.ReadUint16(); err != nil {
			return d.fail("id", err)
		}
		return nil
	case MsgClearEntries:
		magic, err := d.r.ReadUint32()
		if err != nil {
			return d.fail("magic", err)
		}
		if magic != ClearEntriesMagic {
			return d.fail("magic", ErrClearMagic)
		}
		return nil
	case MsgExecuteRPC, MsgRPCResponse:
		if m.ID, err = d.r.ReadUint16(); err != nil {
			return d.fail("id", err)
		}
		if m.UID, err = d.r.ReadUint16(); err != nil {
			return d.fail("uid", err)
		}
		if m.Blob, err = d.r.ReadBlob(); err != nil {
			return d.fail("blob", err)
		}
		return nil
	}
	return d.fail("", ErrUnknownMessage)
}

func (d *decoder) ids() error {
	id, err := d.r.ReadUint16()
	if err != nil {
		return d.fail("id", err)
	}
	seq, err := d.r.ReadUint16()
	if err != nil {
		return d.fail("seq", err)
	}
	d.msg.ID = id
	d.msg.Seq = SeqNum(seq)
	return nil
}

func (d *decoder) value(typ ValueType) error {
	v, err := readValue(d.r, typ, d.rev)
	if err != nil {
		return d.fail("value", err)
	}
	d.msg.Value = v
	return nil
}
