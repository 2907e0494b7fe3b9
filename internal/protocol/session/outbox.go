package session

import (
	"sort"
	"sync"
	"time"
)

type callKey struct {
	id  uint16
	uid uint16
}

type callResult struct {
	results []byte
	err     error
}

// PendingCall describes one ExecuteRPC awaiting its RPCResponse.
type PendingCall struct {
	ID     uint16
	UID    uint16
	SentAt time.Time
}

type pendingCall struct {
	PendingCall
	done chan callResult
}

// CallOutbox tracks in-flight rpc calls keyed by (id, uid).
type CallOutbox struct {
	mu    sync.Mutex
	items map[callKey]*pendingCall
	next  map[uint16]uint16
}

func NewCallOutbox() *CallOutbox {
	return &CallOutbox{
		items: make(map[callKey]*pendingCall),
		next:  make(map[uint16]uint16),
	}
}

// Add allocates a uid for rpc id that does not collide with a pending call
// and registers it. ok is false when every uid is in use.
func (o *CallOutbox) Add(id uint16, at time.Time) (uid uint16, done <-chan callResult, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := o.next[id]
	uid = start
	for {
		if _, busy := o.items[callKey{id, uid}]; !busy {
			break
		}
		uid++
		if uid == start {
			return 0, nil, false
		}
	}
	o.next[id] = uid + 1
	item := &pendingCall{
		PendingCall: PendingCall{ID: id, UID: uid, SentAt: at},
		done:        make(chan callResult, 1),
	}
	o.items[callKey{id, uid}] = item
	return uid, item.done, true
}

// Resolve delivers results to the pending call and removes it.
func (o *CallOutbox) Resolve(id, uid uint16, results []byte) bool {
	o.mu.Lock()
	item, ok := o.items[callKey{id, uid}]
	if ok {
		delete(o.items, callKey{id, uid})
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	item.done <- callResult{results: results}
	return true
}

func (o *CallOutbox) Remove(id, uid uint16) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, callKey{id, uid})
}

// FailAll completes every pending call with err.
func (o *CallOutbox) FailAll(err error) {
	o.mu.Lock()
	items := o.items
	o.items = make(map[callKey]*pendingCall)
	o.mu.Unlock()
	for _, item := range items {
		item.done <- callResult{err: err}
	}
}

func (o *CallOutbox) List() []PendingCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingCall, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item.PendingCall)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].UID < out[j].UID
	})
	return out
}

func (o *CallOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
