package protocol

import (
	"errors"
	"io"
	"sync/atomic"
)

const (
	minReadSize = 16 * 1024
)

// Reader decodes frames from a stream. It is not safe for concurrent use, apart
// from SetProtocol which may be called while another goroutine reads.
type Reader struct {
	rd    io.Reader
	buf   []byte
	start int
	end   int
	proto int32

	// scanner tracks how much of the frame at start has arrived
	scanner frameScanner
}

func NewReader(rd io.Reader, proto Protocol) *Reader {
	return &Reader{
		rd:    rd,
		buf:   make([]byte, minReadSize),
		proto: int32(proto),
	}
}

// SetProtocol switches the revision used for frames decoded from now on.
func (r *Reader) SetProtocol(p Protocol) {
	atomic.StoreInt32(&r.proto, int32(p))
}

func (r *Reader) Protocol() Protocol {
	return Protocol(atomic.LoadInt32(&r.proto))
}

// Buffered returns the number of bytes read from the stream but not yet decoded.
func (r *Reader) Buffered() int {
	return r.end - r.start
}

// ReadFrame blocks until a whole frame has been read, the underlying reader
// fails, or the stream turns out to be malformed. A frame is decoded once it
// has fully arrived, so large replies cost time linear in their size.
//
// An io.EOF part way through a frame is reported as io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		if r.end > r.start && r.scanner.scan(r.buf[r.start:r.end], r.Protocol()) {
			f, n, err := Decode(r.buf[r.start:r.end], r.Protocol())
			if err == nil {
				r.scanner.reset()
				r.start += n
				if r.start == r.end {
					r.start, r.end = 0, 0
				}
				return f, nil
			}

			if !errors.Is(err, ErrIncomplete) {
				return Frame{}, err
			}
		}

		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && r.end > r.start {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

func (r *Reader) fill() error {
	if r.start > 0 {
		r.end = copy(r.buf, r.buf[r.start:r.end])
		r.start = 0
	}

	if r.end == len(r.buf) {
		grown := make([]byte, len(r.buf)*2)
		copy(grown, r.buf[:r.end])
		r.buf = grown
	}

	n, err := r.rd.Read(r.buf[r.end:])
	r.end += n

	if n > 0 {
		return nil
	}

	if err == nil {
		err = io.ErrNoProgress
	}

	return err
}
