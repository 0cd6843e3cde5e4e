package bridge

import (
	"github.com/luma/respmux/conn"
)

// Policy decides which entry loses when the backlog is full.
type Policy int

const (
	// RejectNewest fails the entry being added.
	RejectNewest Policy = iota

	// DropOldest fails the oldest queued entry to make room.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}

	return "reject-newest"
}

// Backlog is the bounded FIFO of entries waiting for a connection. It is not
// safe for concurrent use, the bridge guards it.
type Backlog struct {
	capacity int
	policy   Policy
	entries  []*conn.Entry
}

func NewBacklog(capacity int, policy Policy) *Backlog {
	return &Backlog{capacity: capacity, policy: policy}
}

func (b *Backlog) Len() int {
	return len(b.entries)
}

// Push appends e. When the backlog is full it returns the entry that must be
// failed with ErrBacklogOverflow, which is e itself under RejectNewest.
func (b *Backlog) Push(e *conn.Entry) (overflow *conn.Entry) {
	b.prune()

	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, e)
		return nil
	}

	if b.policy == RejectNewest {
		return e
	}

	oldest := b.entries[0]
	b.entries[0] = nil
	b.entries = append(b.entries[1:], e)

	return oldest
}

// PushFront puts entries, in their order, ahead of everything queued. Entries
// that no longer fit are returned, chosen by the policy.
func (b *Backlog) PushFront(entries []*conn.Entry) (overflow []*conn.Entry) {
	if len(entries) == 0 {
		return nil
	}

	merged := make([]*conn.Entry, 0, len(entries)+len(b.entries))
	merged = append(merged, entries...)
	merged = append(merged, b.entries...)
	b.entries = merged

	b.prune()

	excess := len(b.entries) - b.capacity
	if excess <= 0 {
		return nil
	}

	if b.policy == RejectNewest {
		overflow = append(overflow, b.entries[b.capacity:]...)
		b.entries = b.entries[:b.capacity]
		return overflow
	}

	overflow = append(overflow, b.entries[:excess]...)
	b.entries = b.entries[excess:]

	return overflow
}

// Drain empties the backlog and returns the entries still waiting, oldest first.
func (b *Backlog) Drain() []*conn.Entry {
	b.prune()

	entries := b.entries
	b.entries = nil

	return entries
}

// prune drops entries that timed out or were cancelled while queued.
func (b *Backlog) prune() {
	live := b.entries[:0]
	for _, e := range b.entries {
		if e.Pending() {
			live = append(live, e)
		}
	}

	for i := len(live); i < len(b.entries); i++ {
		b.entries[i] = nil
	}

	b.entries = live
}
