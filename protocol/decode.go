package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxBulkSize bounds the payload of a single bulk string.
	MaxBulkSize = 512 * 1024 * 1024

	// MaxAggregateSize bounds the element count of a single aggregate.
	MaxAggregateSize = 1 << 24

	// MaxLineSize bounds a CRLF terminated line. Simple strings and errors
	// longer than this are treated as a corrupt stream.
	MaxLineSize = 64 * 1024

	maxDepth = 512
)

var (
	// ErrIncomplete is returned by Decode when the buffer ends part way through a
	// frame. Nothing is consumed and the caller should retry with more data.
	ErrIncomplete = errors.New("Incomplete frame, more data is required")

	// ErrProtocol matches every *ProtocolError with errors.Is.
	ErrProtocol = errors.New("Protocol error")
)

// ProtocolError is a malformed frame. The stream can no longer be trusted.
type ProtocolError struct {
	Offset int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at byte %d: %s", e.Offset, e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// Decode attempts to decode a single frame from the front of buf using the
// rules of the given revision. It returns the frame and the number of bytes it
// occupied, ErrIncomplete, or a *ProtocolError.
//
// Decode holds no state between calls: a frame split across reads is decoded by
// calling it again once more bytes have been appended.
func Decode(buf []byte, proto Protocol) (Frame, int, error) {
	d := decoder{buf: buf, proto: proto}

	f, err := d.frame(0)
	if err != nil {
		return Frame{}, 0, err
	}

	return f, d.pos, nil
}

type decoder struct {
	buf   []byte
	pos   int
	proto Protocol
}

func (d *decoder) fail(format string, args ...interface{}) error {
	return &ProtocolError{Offset: d.pos, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) frame(depth int) (Frame, error) {
	if depth > maxDepth {
		return Frame{}, d.fail("aggregates nested deeper than %d", maxDepth)
	}

	if d.pos >= len(d.buf) {
		return Frame{}, ErrIncomplete
	}

	kind := Kind(d.buf[d.pos])

	if _, known := kindNames[kind]; !known {
		return Frame{}, d.fail("unknown type byte %q", byte(kind))
	}

	if d.proto < RESP3 && kind.IsRESP3() {
		return Frame{}, d.fail("%s frame is not valid in %s", kind, d.proto)
	}

	d.pos++

	switch kind {
	case KindSimpleString, KindError:
		line, err := d.line()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, Str: clone(line)}, nil

	case KindInteger:
		n, err := d.integer()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, Int: n}, nil

	case KindNull:
		line, err := d.line()
		if err != nil {
			return Frame{}, err
		}
		if len(line) != 0 {
			return Frame{}, d.fail("null frame with payload %q", line)
		}
		return Frame{Kind: kind}, nil

	case KindBoolean:
		line, err := d.line()
		if err != nil {
			return Frame{}, err
		}
		switch string(line) {
		case "t":
			return Frame{Kind: kind, Bool: true}, nil
		case "f":
			return Frame{Kind: kind, Bool: false}, nil
		}
		return Frame{}, d.fail("invalid boolean %q", line)

	case KindDouble:
		line, err := d.line()
		if err != nil {
			return Frame{}, err
		}
		v, perr := strconv.ParseFloat(string(line), 64)
		if perr != nil {
			return Frame{}, d.fail("invalid double %q", line)
		}
		return Frame{Kind: kind, Double: v}, nil

	case KindBigNumber:
		line, err := d.line()
		if err != nil {
			return Frame{}, err
		}
		if !isBigNumber(line) {
			return Frame{}, d.fail("invalid big number %q", line)
		}
		return Frame{Kind: kind, Str: clone(line)}, nil

	case KindBulkString, KindBlobError, KindVerbatim:
		return d.blob(kind)

	case KindAttribute:
		attrs, err := d.aggregate(kind, depth)
		if err != nil {
			return Frame{}, err
		}
		next, err := d.frame(depth + 1)
		if err != nil {
			return Frame{}, err
		}
		next.Attrs = attrs.Elems
		return next, nil
	}

	return d.aggregate(kind, depth)
}

func (d *decoder) blob(kind Kind) (Frame, error) {
	n, err := d.integer()
	if err != nil {
		return Frame{}, err
	}

	if n == -1 && kind == KindBulkString {
		return Frame{Kind: kind, Null: true}, nil
	}

	if n < 0 || n > MaxBulkSize {
		return Frame{}, d.fail("invalid %s length %d", kind, n)
	}

	end := d.pos + int(n)
	if end+2 > len(d.buf) {
		return Frame{}, ErrIncomplete
	}

	if d.buf[end] != '\r' || d.buf[end+1] != '\n' {
		return Frame{}, d.fail("%s payload is not CRLF terminated", kind)
	}

	payload := clone(d.buf[d.pos:end])
	d.pos = end + 2

	if kind != KindVerbatim {
		return Frame{Kind: kind, Str: payload}, nil
	}

	if len(payload) < 4 || payload[3] != ':' {
		return Frame{}, d.fail("verbatim string is missing its format prefix")
	}

	return Frame{Kind: kind, Format: string(payload[:3]), Str: payload[4:]}, nil
}

func (d *decoder) aggregate(kind Kind, depth int) (Frame, error) {
	n, err := d.integer()
	if err != nil {
		return Frame{}, err
	}

	if n == -1 && kind == KindArray {
		return Frame{Kind: kind, Null: true}, nil
	}

	if n < 0 || n > MaxAggregateSize {
		return Frame{}, d.fail("invalid %s length %d", kind, n)
	}

	count := int(n)
	if kind == KindMap || kind == KindAttribute {
		count *= 2
	}

	// Every element is at least 3 bytes, so a short buffer can't hold them all.
	// This avoids allocating for absurd counts before the data has arrived.
	if remaining := len(d.buf) - d.pos; count > remaining/3+1 {
		return Frame{}, ErrIncomplete
	}

	elems := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		e, err := d.frame(depth + 1)
		if err != nil {
			return Frame{}, err
		}
		elems = append(elems, e)
	}

	return Frame{Kind: kind, Elems: elems}, nil
}

func (d *decoder) integer() (int64, error) {
	line, err := d.line()
	if err != nil {
		return 0, err
	}

	n, perr := strconv.ParseInt(string(line), 10, 64)
	if perr != nil {
		return 0, d.fail("invalid integer %q", line)
	}

	return n, nil
}

// line returns the bytes up to the next CRLF and advances past it.
func (d *decoder) line() ([]byte, error) {
	rest := d.buf[d.pos:]

	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		if len(rest) > MaxLineSize {
			return nil, d.fail("line exceeds %d bytes", MaxLineSize)
		}
		return nil, ErrIncomplete
	}

	if i == 0 || rest[i-1] != '\r' {
		return nil, d.fail("line is not CRLF terminated")
	}

	d.pos += i + 1
	return rest[:i-1], nil
}

func isBigNumber(b []byte) bool {
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		b = b[1:]
	}

	if len(b) == 0 {
		return false
	}

	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
