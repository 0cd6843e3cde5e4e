package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/respmux/protocol"
)

// Processor turns a non-error reply frame into a typed result. Implementations
// must be pure functions of their inputs.
type Processor interface {
	Process(f protocol.Frame, cmd *Command) (interface{}, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(f protocol.Frame, cmd *Command) (interface{}, error)

func (fn ProcessorFunc) Process(f protocol.Frame, cmd *Command) (interface{}, error) {
	return fn(f, cmd)
}

func unexpected(f protocol.Frame, cmd *Command) error {
	return fmt.Errorf("%s replied with %s: %w", cmd.Name, f.Kind, ErrUnexpectedReply)
}

var (
	// Raw returns the frame itself.
	Raw = ProcessorFunc(func(f protocol.Frame, _ *Command) (interface{}, error) {
		return f, nil
	})

	// Status returns the text of a simple string reply.
	Status = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		switch f.Kind {
		case protocol.KindSimpleString, protocol.KindBulkString, protocol.KindVerbatim:
			return f.Text(), nil
		}
		return nil, unexpected(f, cmd)
	})

	// OK succeeds only for an OK status.
	OK = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.Kind == protocol.KindSimpleString && string(f.Str) == "OK" {
			return true, nil
		}
		return nil, unexpected(f, cmd)
	})

	// Int64 returns an integer reply. Numeric bulk strings are accepted too.
	Int64 = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		switch f.Kind {
		case protocol.KindInteger:
			return f.Int, nil
		case protocol.KindBulkString, protocol.KindSimpleString:
			if f.Null {
				return nil, ErrNil
			}
			n, err := strconv.ParseInt(string(f.Str), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s replied with non numeric %q: %w", cmd.Name, f.Str, ErrUnexpectedReply)
			}
			return n, nil
		}
		return nil, unexpected(f, cmd)
	})

	// Float64 returns a double reply or a bulk string holding a float.
	Float64 = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		switch f.Kind {
		case protocol.KindDouble:
			return f.Double, nil
		case protocol.KindInteger:
			return float64(f.Int), nil
		case protocol.KindBulkString, protocol.KindSimpleString:
			if f.Null {
				return nil, ErrNil
			}
			v, err := strconv.ParseFloat(string(f.Str), 64)
			if err != nil {
				return nil, fmt.Errorf("%s replied with non numeric %q: %w", cmd.Name, f.Str, ErrUnexpectedReply)
			}
			return v, nil
		}
		if f.IsNull() {
			return nil, ErrNil
		}
		return nil, unexpected(f, cmd)
	})

	// Bytes returns a bulk string payload, or a nil slice for a null reply.
	Bytes = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.IsNull() {
			return []byte(nil), nil
		}
		switch f.Kind {
		case protocol.KindBulkString, protocol.KindSimpleString, protocol.KindVerbatim:
			return f.Str, nil
		}
		return nil, unexpected(f, cmd)
	})

	// String returns the reply text. A null reply is ErrNil.
	String = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.IsNull() {
			return nil, ErrNil
		}
		if f.IsAggregate() {
			return nil, unexpected(f, cmd)
		}
		return f.Text(), nil
	})

	// Strings returns the text of every element of an array or set reply.
	Strings = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.IsNull() {
			return []string(nil), nil
		}
		switch f.Kind {
		case protocol.KindArray, protocol.KindSet, protocol.KindPush:
		default:
			return nil, unexpected(f, cmd)
		}
		out := make([]string, len(f.Elems))
		for i, e := range f.Elems {
			out[i] = e.Text()
		}
		return out, nil
	})

	// Boolean accepts RESP3 booleans and 0/1 integers.
	Boolean = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		switch f.Kind {
		case protocol.KindBoolean:
			return f.Bool, nil
		case protocol.KindInteger:
			return f.Int != 0, nil
		case protocol.KindSimpleString:
			return string(f.Str) == "OK", nil
		}
		if f.IsNull() {
			return false, nil
		}
		return nil, unexpected(f, cmd)
	})

	// Pong accepts PONG or the echo of a PING payload. Subscribed RESP2
	// connections reply with a ["pong", payload] array instead.
	Pong = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.Kind == protocol.KindArray && len(f.Elems) == 2 && strings.EqualFold(f.Elems[0].Text(), "pong") {
			return f.Elems[1].Text(), nil
		}
		switch f.Kind {
		case protocol.KindSimpleString, protocol.KindBulkString:
			return f.Text(), nil
		}
		return nil, unexpected(f, cmd)
	})

	// ScanPage decodes the [cursor, [items...]] reply of the SCAN family.
	ScanPage = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.Kind != protocol.KindArray || len(f.Elems) != 2 {
			return nil, unexpected(f, cmd)
		}

		cursor, err := strconv.ParseUint(f.Elems[0].Text(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s replied with invalid cursor %q: %w", cmd.Name, f.Elems[0].Text(), ErrUnexpectedReply)
		}

		items := f.Elems[1]
		page := Page{Cursor: cursor, Items: make([][]byte, len(items.Elems))}
		for i, e := range items.Elems {
			page.Items[i] = e.Str
		}

		return page, nil
	})

	// BytesList returns every element of an array reply as raw bytes, as KEYS does.
	BytesList = ProcessorFunc(func(f protocol.Frame, cmd *Command) (interface{}, error) {
		if f.IsNull() {
			return [][]byte(nil), nil
		}
		switch f.Kind {
		case protocol.KindArray, protocol.KindSet:
		default:
			return nil, unexpected(f, cmd)
		}
		out := make([][]byte, len(f.Elems))
		for i, e := range f.Elems {
			out[i] = e.Str
		}
		return out, nil
	})
)

// Page is one page of a cursor based reply.
type Page struct {
	Cursor uint64
	Items  [][]byte
}
