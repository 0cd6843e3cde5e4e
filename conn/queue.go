package conn

import (
	"sync"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/protocol"
)

// Entry is a submitted command waiting to be written or for its reply.
type Entry struct {
	Cmd    *command.Command
	Future *command.Future

	// Seq is the submission order, assigned by whoever created the entry.
	Seq uint64
}

func NewEntry(cmd *command.Command, seq uint64) *Entry {
	return &Entry{Cmd: cmd, Future: command.NewFuture(), Seq: seq}
}

// Pending reports whether the entry's caller is still waiting on it.
func (e *Entry) Pending() bool {
	return !e.Future.IsDone()
}

// Queue holds the entries that have been written to a connection, oldest first.
// The server replies in write order, so each reply belongs to the head.
//
// Entries whose future has already completed stay in the queue so the reply
// that belongs to them is still consumed. Fire-and-forget commands and commands
// that timed out after being written are absorbed this way.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
}

func (q *Queue) Push(e *Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

// Pop removes and returns the head, or nil when empty.
func (q *Queue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]

	if len(q.entries) == 0 {
		q.entries = nil
	}

	return e
}

// Peek returns the head without removing it, or nil when empty.
func (q *Queue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	return q.entries[0]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Complete hands a reply to the head entry. A reply with no entry waiting for
// it means the stream is desynchronised and returns ErrDesync.
//
// It returns false if the head had already completed and the reply was
// discarded.
func (q *Queue) Complete(f protocol.Frame) (bool, error) {
	e := q.Pop()
	if e == nil {
		return false, ErrDesync
	}

	if !e.Pending() {
		return false, nil
	}

	val, err := e.Cmd.Process(f)
	return e.Future.Resolve(val, err), nil
}

// DrainAll empties the queue and returns its entries in write order.
func (q *Queue) DrainAll() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.entries
	q.entries = nil

	return entries
}
