package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol is a RESP revision.
type Protocol int

const (
	RESP2 Protocol = 2
	RESP3 Protocol = 3
)

func (p Protocol) String() string {
	return "RESP" + strconv.Itoa(int(p))
}

// Kind is the leading type byte of a frame.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulkString   Kind = '$'
	KindArray        Kind = '*'

	KindNull      Kind = '_'
	KindDouble    Kind = ','
	KindBoolean   Kind = '#'
	KindBlobError Kind = '!'
	KindVerbatim  Kind = '='
	KindBigNumber Kind = '('
	KindMap       Kind = '%'
	KindSet       Kind = '~'
	KindAttribute Kind = '|'
	KindPush      Kind = '>'
)

var kindNames = map[Kind]string{
	KindSimpleString: "simple-string",
	KindError:        "error",
	KindInteger:      "integer",
	KindBulkString:   "bulk-string",
	KindArray:        "array",
	KindNull:         "null",
	KindDouble:       "double",
	KindBoolean:      "boolean",
	KindBlobError:    "blob-error",
	KindVerbatim:     "verbatim",
	KindBigNumber:    "big-number",
	KindMap:          "map",
	KindSet:          "set",
	KindAttribute:    "attribute",
	KindPush:         "push",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%q)", byte(k))
}

// IsRESP3 reports whether the kind only exists in the RESP3 revision.
func (k Kind) IsRESP3() bool {
	switch k {
	case KindSimpleString, KindError, KindInteger, KindBulkString, KindArray:
		return false
	}

	_, known := kindNames[k]
	return known
}

func (k Kind) isAggregate() bool {
	switch k {
	case KindArray, KindMap, KindSet, KindPush, KindAttribute:
		return true
	}

	return false
}

// Frame is one decoded RESP value.
//
// Str holds the payload of string-like kinds (simple string, error, bulk string,
// blob error, verbatim text and the digits of a big number). Elems holds the
// children of aggregates; maps and attributes store their entries flattened as
// key, value, key, value.
type Frame struct {
	Kind   Kind
	Str    []byte
	Int    int64
	Double float64
	Bool   bool

	// Format is the three byte encoding hint of a verbatim string, e.g. "txt".
	Format string

	Elems []Frame

	// Null is set for RESP2 null bulk strings and arrays. RESP3 nulls use KindNull.
	Null bool

	// Attrs holds the flattened entries of an attribute frame that preceded this one.
	Attrs []Frame
}

func SimpleString(s string) Frame { return Frame{Kind: KindSimpleString, Str: []byte(s)} }
func Error(msg string) Frame      { return Frame{Kind: KindError, Str: []byte(msg)} }
func Integer(n int64) Frame       { return Frame{Kind: KindInteger, Int: n} }
func Bulk(b []byte) Frame         { return Frame{Kind: KindBulkString, Str: b} }
func BulkString(s string) Frame   { return Bulk([]byte(s)) }
func NullBulk() Frame             { return Frame{Kind: KindBulkString, Null: true} }
func Array(elems ...Frame) Frame  { return Frame{Kind: KindArray, Elems: elems} }
func NullArray() Frame            { return Frame{Kind: KindArray, Null: true} }
func Null() Frame                 { return Frame{Kind: KindNull} }
func Double(f float64) Frame      { return Frame{Kind: KindDouble, Double: f} }
func Boolean(b bool) Frame        { return Frame{Kind: KindBoolean, Bool: b} }
func BlobError(msg string) Frame  { return Frame{Kind: KindBlobError, Str: []byte(msg)} }
func BigNumber(n string) Frame    { return Frame{Kind: KindBigNumber, Str: []byte(n)} }
func Set(elems ...Frame) Frame    { return Frame{Kind: KindSet, Elems: elems} }
func Push(elems ...Frame) Frame   { return Frame{Kind: KindPush, Elems: elems} }

// Map builds a map frame from alternating keys and values.
func Map(pairs ...Frame) Frame {
	if len(pairs)%2 != 0 {
		panic("protocol: Map requires an even number of frames")
	}

	return Frame{Kind: KindMap, Elems: pairs}
}

func Verbatim(format, text string) Frame {
	return Frame{Kind: KindVerbatim, Format: format, Str: []byte(text)}
}

// Strings builds an array of bulk strings, the shape of every request.
func Strings(ss ...string) Frame {
	elems := make([]Frame, len(ss))
	for i, s := range ss {
		elems[i] = BulkString(s)
	}

	return Array(elems...)
}

// IsNull reports whether the frame is a null of either revision.
func (f Frame) IsNull() bool {
	return f.Kind == KindNull || f.Null
}

// IsError reports whether the frame is a simple or blob error.
func (f Frame) IsError() bool {
	return f.Kind == KindError || f.Kind == KindBlobError
}

// IsAggregate reports whether the frame has children.
func (f Frame) IsAggregate() bool {
	return f.Kind.isAggregate()
}

// Text renders scalar frames as a string. Aggregates and nulls render as "".
func (f Frame) Text() string {
	switch f.Kind {
	case KindInteger:
		return strconv.FormatInt(f.Int, 10)
	case KindDouble:
		return formatDouble(f.Double)
	case KindBoolean:
		if f.Bool {
			return "1"
		}
		return "0"
	}

	if f.IsNull() || f.IsAggregate() {
		return ""
	}

	return string(f.Str)
}

// String is a debugging representation of the frame.
func (f Frame) String() string {
	if f.IsNull() {
		return "(nil)"
	}

	if !f.IsAggregate() {
		switch f.Kind {
		case KindError, KindBlobError:
			return "(error) " + f.Text()
		case KindInteger:
			return "(integer) " + f.Text()
		case KindSimpleString, KindBulkString, KindVerbatim:
			return strconv.Quote(f.Text())
		}
		return f.Text()
	}

	parts := make([]string, len(f.Elems))
	for i, e := range f.Elems {
		parts[i] = e.String()
	}

	return fmt.Sprintf("%s[%s]", f.Kind, strings.Join(parts, " "))
}
