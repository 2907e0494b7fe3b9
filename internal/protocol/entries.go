package protocol

// SeqNum is a 16-bit per-entry sequence number compared with wraparound.
type SeqNum uint16

// After reports whether s is newer than o: the forward distance from o to s
// is non-zero and less than half the number space.
func (s SeqNum) After(o SeqNum) bool {
	d := uint16(s - o)
	return d != 0 && d < 0x8000
}

// TypeLookup supplies the value type of an entry id. Below 0x0300 an
// EntryUpdate does not carry its type, so the decoder consults this.
type TypeLookup interface {
	Lookup(id uint16) (ValueType, bool)
}

// TypeTable tracks id->type bindings seen on one connection. It is not safe
// for concurrent use; the reading side of a connection owns it.
type TypeTable struct {
	types map[uint16]ValueType
}

func NewTypeTable() *TypeTable {
	return &TypeTable{types: make(map[uint16]ValueType)}
}

func (t *TypeTable) Lookup(id uint16) (ValueType, bool) {
	typ, ok := t.types[id]
	return typ, ok
}

// Observe applies the id lifecycle effect of msg.
func (t *TypeTable) Observe(msg *Message) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case MsgEntryAssign:
		if msg.ID != EntryIDUnassigned {
			t.types[msg.ID] = msg.Value.Type()
		}
	case MsgEntryDelete:
		delete(t.types, msg.ID)
	case MsgClearEntries:
		clear(t.types)
	}
}

func (t *TypeTable) Len() int {
	return len(t.types)
}
