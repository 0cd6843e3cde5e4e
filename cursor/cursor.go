// Package cursor walks cursor based replies such as SCAN one page at a time.
package cursor

import (
	"context"
	"errors"

	"github.com/luma/respmux/command"
)

var ErrNoCursor = errors.New("Server cannot resume from a cursor, it does not support SCAN")

const (
	// DefaultPageSize is the COUNT asked for when none is given.
	DefaultPageSize = 250

	// ServerPageSize is the server's own default COUNT. It is never sent.
	ServerPageSize = 10
)

type Page = command.Page

// PageFunc fetches the page that starts at cursor.
type PageFunc func(ctx context.Context, cursor uint64) (Page, error)

// Submitter sends a command and returns its pending result.
type Submitter func(cmd *command.Command) *command.Future

type Options struct {
	// Pattern is a glob the keys must match. Empty matches everything
	Pattern string

	// PageSize is the COUNT hint for each page
	PageSize int

	// Cursor resumes from a page returned by Enumerator.Cursor
	Cursor uint64

	// PageOffset skips this many items of the first page, see Enumerator.PageOffset
	PageOffset int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}

	if o.PageOffset < 0 {
		o.PageOffset = 0
	}

	return o
}

// Enumerator yields the items of a cursor based reply in order. It fetches a
// page only when the previous one is used up, so at most one page is ever in
// flight. It is not safe for concurrent use.
//
//	e := cursor.New(fetch, cursor.Options{})
//	for e.Next(ctx) {
//		use(e.Value())
//	}
//	if err := e.Err(); err != nil {
//		...
//	}
type Enumerator struct {
	fetch PageFunc

	// cursor fetched the current page, next fetches the one after it
	cursor uint64
	next   uint64

	page   [][]byte
	pos    int
	skip   int
	value  []byte
	loaded bool
	done   bool
	err    error
}

func New(fetch PageFunc, opts Options) *Enumerator {
	opts = opts.withDefaults()

	return &Enumerator{
		fetch: fetch,
		next:  opts.Cursor,
		skip:  opts.PageOffset,
	}
}

// Next advances to the next item, fetching pages as needed. It returns false
// when the items are exhausted, ctx ends or a fetch fails.
func (e *Enumerator) Next(ctx context.Context) bool {
	for {
		if e.err != nil {
			return false
		}

		if e.pos < len(e.page) {
			e.value = e.page[e.pos]
			e.pos++
			return true
		}

		if e.done {
			e.value = nil
			return false
		}

		if err := ctx.Err(); err != nil {
			e.err = err
			return false
		}

		page, err := e.fetch(ctx, e.next)
		if err != nil {
			e.err = err
			e.value = nil
			return false
		}

		e.cursor, e.next = e.next, page.Cursor
		e.page, e.pos, e.loaded = page.Items, 0, true

		if e.skip > 0 {
			e.pos = e.skip
			if e.pos > len(e.page) {
				e.pos = len(e.page)
			}
			e.skip = 0
		}

		// A zero cursor from the server ends the iteration
		if page.Cursor == 0 {
			e.done = true
		}
	}
}

// Value is the item Next moved to.
func (e *Enumerator) Value() []byte {
	return e.value
}

func (e *Enumerator) Err() error {
	return e.err
}

// Cursor is the cursor that fetched the current page. Together with
// PageOffset it resumes an interrupted iteration just after Value.
func (e *Enumerator) Cursor() uint64 {
	if !e.loaded {
		return e.next
	}

	return e.cursor
}

// PageOffset is how many items of the current page have been yielded.
func (e *Enumerator) PageOffset() int {
	if !e.loaded {
		return e.skip
	}

	return e.pos
}

// Chan yields the items on a channel that is closed when the iteration ends.
// Err reports why once the channel is closed. Stopping early requires
// cancelling ctx.
func (e *Enumerator) Chan(ctx context.Context) <-chan []byte {
	ch := make(chan []byte)

	go func() {
		defer close(ch)

		for e.Next(ctx) {
			select {
			case ch <- e.Value():
			case <-ctx.Done():
				e.err = ctx.Err()
				return
			}
		}
	}()

	return ch
}

// Collect drains the enumerator into a slice.
func (e *Enumerator) Collect(ctx context.Context) ([][]byte, error) {
	var items [][]byte

	for e.Next(ctx) {
		items = append(items, e.Value())
	}

	return items, e.Err()
}

// Static turns a fetch that returns everything at once into a single page.
// It cannot resume, so any cursor but zero fails with ErrNoCursor.
func Static(fetch func(ctx context.Context) ([][]byte, error)) PageFunc {
	return func(ctx context.Context, cursor uint64) (Page, error) {
		if cursor != 0 {
			return Page{}, ErrNoCursor
		}

		items, err := fetch(ctx)
		if err != nil {
			return Page{}, err
		}

		return Page{Items: items}, nil
	}
}

// Scan pages through the keyspace with SCAN. db selects the database, or the
// connection default when it is command.DefaultDB.
func Scan(submit Submitter, db int, opts Options) PageFunc {
	opts = opts.withDefaults()

	return func(ctx context.Context, cursor uint64) (Page, error) {
		args := []interface{}{cursor}
		if opts.Pattern != "" {
			args = append(args, "MATCH", opts.Pattern)
		}
		if opts.PageSize != ServerPageSize {
			args = append(args, "COUNT", opts.PageSize)
		}

		cmd := command.Keyless("SCAN", args...).WithDB(db).WithProcessor(command.ScanPage)

		return command.Await[Page](ctx, submit(cmd))
	}
}

// Keys fetches every matching key with KEYS. Use it only for servers that
// have no SCAN.
func Keys(submit Submitter, db int, opts Options) PageFunc {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*"
	}

	return Static(func(ctx context.Context) ([][]byte, error) {
		cmd := command.Keyless("KEYS", pattern).WithDB(db).WithProcessor(command.BytesList)

		return command.Await[[][]byte](ctx, submit(cmd))
	})
}
