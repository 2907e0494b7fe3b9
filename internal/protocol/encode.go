package protocol

import "github.com/danmuck/nettables/internal/protocol/wire"

// Encode returns the wire form of msg at rev. Messages, fields, and value
// types not legal at rev are omitted; an illegal message encodes to zero
// bytes. Encode never fails.
func Encode(msg *Message, rev Revision) []byte {
	return AppendMessage(nil, msg, rev)
}

// AppendMessage appends the wire form of msg at rev to dst.
func AppendMessage(dst []byte, msg *Message, rev Revision) []byte {
	if !Legal(msg, rev) {
		return dst
	}
	b := wire.AppendUint8(dst, uint8(msg.Type))
	switch msg.Type {
	case MsgKeepAlive, MsgServerHelloDone, MsgClientHelloDone:
		return b
	case MsgClientHello:
		b = wire.AppendUint16(b, uint16(msg.Revision))
		if msg.Revision.AtLeast(Revision3) {
			b = wire.AppendString(b, msg.Identity, msg.Revision)
		}
		return b
	case MsgProtoUnsup:
		return wire.AppendUint16(b, uint16(msg.Revision))
	case MsgServerHello:
		b = wire.AppendUint8(b, msg.Flags)
		return wire.AppendString(b, msg.Identity, rev)
	case MsgEntryAssign:
		b = wire.AppendString(b, msg.Name, rev)
		b = wire.AppendUint8(b, uint8(msg.Value.Type()))
		b = wire.AppendUint16(b, msg.ID)
		b = wire.AppendUint16(b, uint16(msg.Seq))
		if rev.AtLeast(Revision3) {
			b = wire.AppendUint8(b, msg.Flags)
		}
		return appendValue(b, msg.Value, rev)
	case MsgEntryUpdate:
		b = wire.AppendUint16(b, msg.ID)
		b = wire.AppendUint16(b, uint16(msg.Seq))
		if rev.AtLeast(Revision3) {
			b = wire.AppendUint8(b, uint8(msg.Value.Type()))
		}
		return appendValue(b, msg.Value, rev)
	case MsgFlagsUpdate:
		b = wire.AppendUint16(b, msg.ID)
		return wire.AppendUint8(b, msg.Flags)
	case MsgEntryDelete:
		return wire.AppendUint16(b, msg.ID)
	case MsgClearEntries:
		return wire.AppendUint32(b, ClearEntriesMagic)
	case MsgExecuteRPC, MsgRPCResponse:
		b = wire.AppendUint16(b, msg.ID)
		b = wire.AppendUint16(b, msg.UID)
		return wire.AppendBlob(b, msg.Blob)
	default:
		return dst
	}
}
