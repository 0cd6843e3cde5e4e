package protocol

import (
	"math"
	"strconv"
)

var crlf = []byte("\r\n")

// AppendCommand appends a request, an array of bulk strings, to dst.
func AppendCommand(dst []byte, args ...[]byte) []byte {
	dst = appendHeader(dst, KindArray, int64(len(args)))

	for _, arg := range args {
		dst = appendHeader(dst, KindBulkString, int64(len(arg)))
		dst = append(dst, arg...)
		dst = append(dst, crlf...)
	}

	return dst
}

// AppendFrame appends the wire encoding of f to dst.
//
// RESP2 nulls are written for frames with Null set, a RESP3 null for KindNull.
// Attributes attached to f are written ahead of it.
func AppendFrame(dst []byte, f Frame) []byte {
	if len(f.Attrs) > 0 {
		dst = appendHeader(dst, KindAttribute, int64(len(f.Attrs)/2))
		for _, a := range f.Attrs {
			dst = AppendFrame(dst, a)
		}
	}

	switch f.Kind {
	case KindSimpleString, KindError, KindBigNumber:
		dst = append(dst, byte(f.Kind))
		dst = append(dst, f.Str...)
		return append(dst, crlf...)

	case KindInteger:
		return appendHeader(dst, KindInteger, f.Int)

	case KindNull:
		return append(dst, '_', '\r', '\n')

	case KindBoolean:
		if f.Bool {
			return append(dst, '#', 't', '\r', '\n')
		}
		return append(dst, '#', 'f', '\r', '\n')

	case KindDouble:
		dst = append(dst, byte(KindDouble))
		dst = append(dst, formatDouble(f.Double)...)
		return append(dst, crlf...)

	case KindBulkString, KindBlobError:
		if f.Null {
			return appendHeader(dst, f.Kind, -1)
		}
		dst = appendHeader(dst, f.Kind, int64(len(f.Str)))
		dst = append(dst, f.Str...)
		return append(dst, crlf...)

	case KindVerbatim:
		format := f.Format
		if len(format) != 3 {
			format = "txt"
		}
		dst = appendHeader(dst, KindVerbatim, int64(len(f.Str)+4))
		dst = append(dst, format...)
		dst = append(dst, ':')
		dst = append(dst, f.Str...)
		return append(dst, crlf...)
	}

	if f.Null {
		return appendHeader(dst, f.Kind, -1)
	}

	n := len(f.Elems)
	if f.Kind == KindMap || f.Kind == KindAttribute {
		n /= 2
	}

	dst = appendHeader(dst, f.Kind, int64(n))
	for _, e := range f.Elems {
		dst = AppendFrame(dst, e)
	}

	return dst
}

func appendHeader(dst []byte, kind Kind, n int64) []byte {
	dst = append(dst, byte(kind))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, crlf...)
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}

	return strconv.FormatFloat(f, 'g', -1, 64)
}
