// internal/rpc/correlator.go
package rpc

import (
	"sync"

	"github.com/user/stagehand/internal/types"
)

// PendingKind tags why a request was sent, so its response can be routed
// back into domain logic without the Transport knowing about domain types.
type PendingKind string

const (
	PendingThreadStart PendingKind = "thread_start"
	PendingTurnStart   PendingKind = "turn_start"
	PendingInterrupt   PendingKind = "turn_interrupt"
	PendingAccountRead PendingKind = "account_read"
	PendingConfigRead  PendingKind = "config_read"
)

// Pending describes the domain operation behind one outstanding request.
type Pending struct {
	Kind          PendingKind
	ThreadID      types.ThreadID
	InteractionID types.InteractionID
	ReplyTarget   string
	Purpose       string
}

// Correlator maps outgoing request ids to their originating operation.
// Entries are created before the request is sent and consumed exactly once
// when the response arrives. Entries with no matching arrival leak only
// across a process restart, which is acceptable: the engine side is gone
// too.
type Correlator struct {
	mu      sync.Mutex
	entries map[int64]Pending
}

func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[int64]Pending)}
}

// Put records the origin of request id. Callers must Put before handing the
// response channel to a consumer, so a fast response can never observe a
// missing entry.
func (c *Correlator) Put(id int64, p Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = p
}

// Pop consumes and returns the entry for id. A response with no entry is
// not an error; it happens when a call was explicitly abandoned.
func (c *Correlator) Pop(id int64) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return p, ok
}

// Len reports the number of outstanding entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
