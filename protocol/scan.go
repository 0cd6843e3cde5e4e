package protocol

import (
	"bytes"
	"strconv"
)

// frameScanner finds where the frame at the front of a buffer ends without
// decoding it. It keeps its place between calls, so a frame arriving over many
// reads is walked once in total. Anything it does not understand is left to
// Decode to report.
type frameScanner struct {
	// pos is the start of the next element to walk
	pos int

	// pending holds the elements still expected by each open aggregate,
	// outermost first
	pending []int

	ready bool
}

func (s *frameScanner) reset() {
	s.pos = 0
	s.pending = s.pending[:0]
	s.ready = false
}

// scan reports whether buf holds a whole frame, or something Decode must see.
// buf must start where it started on the previous call and may only have grown.
func (s *frameScanner) scan(buf []byte, proto Protocol) bool {
	if !s.ready && len(s.pending) == 0 {
		s.pending = append(s.pending, 1)
	}

	for !s.ready {
		if !s.step(buf, proto) {
			return false
		}
	}

	return true
}

// step walks one element header, and the payload of a blob. It returns false
// when buf ends before that.
func (s *frameScanner) step(buf []byte, proto Protocol) bool {
	rest := buf[s.pos:]
	if len(rest) == 0 {
		return false
	}

	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		if len(rest) > MaxLineSize {
			s.ready = true
		}
		return s.ready
	}

	if i < 2 || rest[i-1] != '\r' {
		s.ready = true
		return true
	}

	kind := Kind(rest[0])
	if proto < RESP3 && kind.IsRESP3() {
		s.ready = true
		return true
	}

	header := rest[1 : i-1]
	next := s.pos + i + 1

	switch kind {
	case KindSimpleString, KindError, KindInteger, KindNull, KindBoolean, KindDouble, KindBigNumber:
		s.pos = next
		s.complete()

	case KindBulkString, KindBlobError, KindVerbatim:
		n, err := strconv.ParseInt(string(header), 10, 64)
		if err != nil {
			s.ready = true
			return true
		}

		if n == -1 && kind == KindBulkString {
			s.pos = next
			s.complete()
			return true
		}

		if n < 0 || n > MaxBulkSize {
			s.ready = true
			return true
		}

		end := next + int(n) + 2
		if end > len(buf) {
			return false
		}

		s.pos = end
		s.complete()

	case KindArray, KindMap, KindSet, KindPush, KindAttribute:
		n, err := strconv.ParseInt(string(header), 10, 64)
		if err != nil || len(s.pending) > maxDepth {
			s.ready = true
			return true
		}

		s.pos = next

		if n == -1 && kind == KindArray {
			s.complete()
			return true
		}

		if n < 0 || n > MaxAggregateSize {
			s.ready = true
			return true
		}

		count := int(n)
		if kind == KindMap || kind == KindAttribute {
			count *= 2
		}

		// The attributed frame follows in the same slot
		if kind == KindAttribute {
			s.pending[len(s.pending)-1]++
		}

		if count == 0 {
			s.complete()
		} else {
			s.pending = append(s.pending, count)
		}

	default:
		s.ready = true
	}

	return true
}

// complete records that an element ended, closing every aggregate it filled.
func (s *frameScanner) complete() {
	for len(s.pending) > 0 {
		top := len(s.pending) - 1

		if s.pending[top]--; s.pending[top] > 0 {
			return
		}

		s.pending = s.pending[:top]
	}

	s.ready = true
}
