package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/danmuck/nettables/internal/config"
	"github.com/danmuck/nettables/internal/protocol"
)

var (
	ErrTableFull    = errors.New("server: no free entry ids")
	ErrStaleSeq     = errors.New("server: sequence number not newer")
	ErrUnknownEntry = errors.New("server: unknown entry")
	ErrTypeChanged  = errors.New("server: value type does not match entry")
)

type entry struct {
	name  string
	id    uint16
	seq   protocol.SeqNum
	flags uint8
	value protocol.Value
}

func (e *entry) assign() *protocol.Message {
	return protocol.EntryAssign(e.name, e.id, e.seq, e.flags, e.value)
}

// Table is the authoritative id space a server hands out. It keeps the
// latest value per entry and drops updates that are not newer.
type Table struct {
	mu     sync.RWMutex
	byID   map[uint16]*entry
	byName map[string]*entry
	nextID uint16
}

func NewTable() *Table {
	return &Table{
		byID:   make(map[uint16]*entry),
		byName: make(map[string]*entry),
	}
}

// Snapshot returns one EntryAssign per entry, ordered by id.
func (t *Table) Snapshot() []*protocol.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*protocol.Message, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e.assign())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Apply folds msg into the table and returns the message to fan out, or an
// error when msg changes nothing.
func (t *Table) Apply(msg *protocol.Message) (*protocol.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch msg.Type {
	case protocol.MsgEntryAssign:
		return t.assign(msg)
	case protocol.MsgEntryUpdate:
		e, ok := t.byID[msg.ID]
		if !ok {
			return nil, ErrUnknownEntry
		}
		if msg.Value.Type() != e.value.Type() {
			return nil, ErrTypeChanged
		}
		if !msg.Seq.After(e.seq) {
			return nil, ErrStaleSeq
		}
		e.seq = msg.Seq
		e.value = msg.Value
		return protocol.EntryUpdate(e.id, e.seq, e.value), nil
	case protocol.MsgFlagsUpdate:
		e, ok := t.byID[msg.ID]
		if !ok {
			return nil, ErrUnknownEntry
		}
		e.flags = msg.Flags
		return protocol.FlagsUpdate(e.id, e.flags), nil
	case protocol.MsgEntryDelete:
		e, ok := t.byID[msg.ID]
		if !ok {
			return nil, ErrUnknownEntry
		}
		delete(t.byID, e.id)
		delete(t.byName, e.name)
		return protocol.EntryDelete(e.id), nil
	case protocol.MsgClearEntries:
		clear(t.byID)
		clear(t.byName)
		return protocol.ClearEntries(), nil
	default:
		return nil, ErrUnknownEntry
	}
}

func (t *Table) assign(msg *protocol.Message) (*protocol.Message, error) {
	if e, ok := t.byName[msg.Name]; ok {
		if !msg.Seq.After(e.seq) {
			return nil, ErrStaleSeq
		}
		e.seq = msg.Seq
		e.flags = msg.Flags
		e.value = msg.Value
		return e.assign(), nil
	}
	id, ok := t.allocate()
	if !ok {
		return nil, ErrTableFull
	}
	e := &entry{name: msg.Name, id: id, seq: msg.Seq, flags: msg.Flags, value: msg.Value}
	t.byID[id] = e
	t.byName[e.name] = e
	return e.assign(), nil
}

func (t *Table) allocate() (uint16, bool) {
	for i := 0; i < int(protocol.EntryIDUnassigned); i++ {
		id := t.nextID
		t.nextID++
		if t.nextID == protocol.EntryIDUnassigned {
			t.nextID = 0
		}
		if _, used := t.byID[id]; !used {
			return id, true
		}
	}
	return 0, false
}

// Persistent lists entries carrying the persistent flag, ordered by name.
func (t *Table) Persistent() []config.EntryConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]config.EntryConfig, 0)
	for _, e := range t.byID {
		if e.flags&protocol.FlagPersistent == 0 {
			continue
		}
		if entry, ok := config.EntryConfigFor(e.name, e.value, true); ok {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
