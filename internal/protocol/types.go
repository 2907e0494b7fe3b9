package protocol

import (
	"fmt"

	"github.com/danmuck/nettables/internal/protocol/wire"
)

// Revision aliases the wire revision so callers need only this package.
type Revision = wire.Revision

const (
	Revision2 = wire.Revision2
	Revision3 = wire.Revision3
)

// MessageType is the single-byte discriminant of a message.
type MessageType uint8

const (
	MsgKeepAlive       MessageType = 0x00
	MsgClientHello     MessageType = 0x01
	MsgProtoUnsup      MessageType = 0x02
	MsgServerHelloDone MessageType = 0x03
	MsgServerHello     MessageType = 0x04
	MsgClientHelloDone MessageType = 0x05
	MsgEntryAssign     MessageType = 0x10
	MsgEntryUpdate     MessageType = 0x11
	MsgFlagsUpdate     MessageType = 0x12
	MsgEntryDelete     MessageType = 0x13
	MsgClearEntries    MessageType = 0x14
	MsgExecuteRPC      MessageType = 0x20
	MsgRPCResponse     MessageType = 0x21
)

// ClearEntriesMagic guards ClearEntries against stray bytes.
const ClearEntriesMagic uint32 = 0xD06CB27A

// Entry flags.
const (
	FlagPersistent uint8 = 0x01
)

// ServerHello flags.
const (
	ServerFlagReconnect uint8 = 0x01
)

// EntryIDUnassigned is the id a client uses for entries the server has not
// numbered yet.
const EntryIDUnassigned uint16 = 0xFFFF

type messageSpec struct {
	name string
	min  Revision
}

var catalogue = map[MessageType]messageSpec{
	MsgKeepAlive:       {name: "keep_alive", min: Revision2},
	MsgClientHello:     {name: "client_hello", min: Revision2},
	MsgProtoUnsup:      {name: "proto_unsup", min: Revision2},
	MsgServerHelloDone: {name: "server_hello_done", min: Revision2},
	MsgServerHello:     {name: "server_hello", min: Revision3},
	MsgClientHelloDone: {name: "client_hello_done", min: Revision3},
	MsgEntryAssign:     {name: "entry_assign", min: Revision2},
	MsgEntryUpdate:     {name: "entry_update", min: Revision2},
	MsgFlagsUpdate:     {name: "flags_update", min: Revision3},
	MsgEntryDelete:     {name: "entry_delete", min: Revision3},
	MsgClearEntries:    {name: "clear_entries", min: Revision3},
	MsgExecuteRPC:      {name: "execute_rpc", min: Revision3},
	MsgRPCResponse:     {name: "rpc_response", min: Revision3},
}

func (t MessageType) String() string {
	if spec, ok := catalogue[t]; ok {
		return spec.name
	}
	return fmt.Sprintf("message(0x%02x)", uint8(t))
}

// Known reports whether t is in the catalogue.
func (t MessageType) Known() bool {
	_, ok := catalogue[t]
	return ok
}

// MinRevision is the lowest revision at which t is legal. Unknown types
// report 0xFFFF.
func (t MessageType) MinRevision() Revision {
	if spec, ok := catalogue[t]; ok {
		return spec.min
	}
	return Revision(0xFFFF)
}

// Message is one protocol operation. Which fields are meaningful depends on
// Type; see the constructors.
type Message struct {
	Type MessageType

	// ID is the entry id or rpc id.
	ID       uint16
	Seq      SeqNum
	Flags    uint8
	Name     string
	Value    Value
	UID      uint16
	Revision Revision
	Identity string
	Blob     []byte
}

func KeepAlive() *Message {
	return &Message{Type: MsgKeepAlive}
}

// ClientHello requests rev. The identity is only sent when rev >= 0x0300.
func ClientHello(rev Revision, identity string) *Message {
	return &Message{Type: MsgClientHello, Revision: rev, Identity: identity}
}

func ProtoUnsup(serverRev Revision) *Message {
	return &Message{Type: MsgProtoUnsup, Revision: serverRev}
}

func ServerHelloDone() *Message {
	return &Message{Type: MsgServerHelloDone}
}

func ServerHello(flags uint8, identity string) *Message {
	return &Message{Type: MsgServerHello, Flags: flags, Identity: identity}
}

func ClientHelloDone() *Message {
	return &Message{Type: MsgClientHelloDone}
}

func EntryAssign(name string, id uint16, seq SeqNum, flags uint8, v Value) *Message {
	return &Message{Type: MsgEntryAssign, Name: name, ID: id, Seq: seq, Flags: flags, Value: v}
}

func EntryUpdate(id uint16, seq SeqNum, v Value) *Message {
	return &Message{Type: MsgEntryUpdate, ID: id, Seq: seq, Value: v}
}

func FlagsUpdate(id uint16, flags uint8) *Message {
	return &Message{Type: MsgFlagsUpdate, ID: id, Flags: flags}
}

func EntryDelete(id uint16) *Message {
	return &Message{Type: MsgEntryDelete, ID: id}
}

func ClearEntries() *Message {
	return &Message{Type: MsgClearEntries}
}

func ExecuteRPC(id, uid uint16, params []byte) *Message {
	return &Message{Type: MsgExecuteRPC, ID: id, UID: uid, Blob: cloneBytes(params)}
}

func RPCResponse(id, uid uint16, results []byte) *Message {
	return &Message{Type: MsgRPCResponse, ID: id, UID: uid, Blob: cloneBytes(results)}
}

// Legal reports whether msg would be written at rev. Encode omits messages
// for which Legal is false.
func Legal(msg *Message, rev Revision) bool {
	if msg == nil {
		return false
	}
	spec, ok := catalogue[msg.Type]
	if !ok || !rev.AtLeast(spec.min) {
		return false
	}
	switch msg.Type {
	case MsgEntryAssign, MsgEntryUpdate:
		t := msg.Value.Type()
		return t.Known() && rev.AtLeast(t.MinRevision())
	}
	return true
}
