package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrRequestNotArray = errors.New("Request is malformed, it must be an array of bulk strings")
	ErrRequestEmpty    = errors.New("Request is malformed, it has no command name")
)

// Request is a command as seen from the server side of a connection.
type Request struct {
	Args [][]byte
}

// ParseRequest validates that f has the shape of a request.
func ParseRequest(f Frame) (Request, error) {
	if f.Kind != KindArray || f.Null {
		return Request{}, fmt.Errorf("Failed to parse %s: %w", f, ErrRequestNotArray)
	}

	if len(f.Elems) == 0 {
		return Request{}, ErrRequestEmpty
	}

	args := make([][]byte, len(f.Elems))
	for i, e := range f.Elems {
		if e.Kind != KindBulkString || e.Null {
			return Request{}, fmt.Errorf("Failed to parse argument %d of %s: %w", i, f, ErrRequestNotArray)
		}
		args[i] = e.Str
	}

	return Request{Args: args}, nil
}

// Name returns the upper cased command name.
func (r Request) Name() string {
	return string(bytes.ToUpper(r.Args[0]))
}

// Arg returns argument i, not counting the command name, or nil.
func (r Request) Arg(i int) []byte {
	if i+1 >= len(r.Args) {
		return nil
	}

	return r.Args[i+1]
}

// NArgs is the argument count, not counting the command name.
func (r Request) NArgs() int {
	return len(r.Args) - 1
}
