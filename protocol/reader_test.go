package protocol_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/protocol"
)

// chunkReader hands out at most size bytes per Read.
type chunkReader struct {
	r    io.Reader
	size int
}

func (c chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}

// oneByteReader hands out a single byte per Read.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

var _ = Describe("Reader", func() {
	It("reads consecutive frames from one stream", func() {
		r := protocol.NewReader(strings.NewReader("+OK\r\n:7\r\n$3\r\nfoo\r\n"), protocol.RESP2)

		f, err := r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f).To(Equal(protocol.SimpleString("OK")))

		f, err = r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f).To(Equal(protocol.Integer(7)))

		f, err = r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f).To(Equal(protocol.BulkString("foo")))

		_, err = r.ReadFrame()
		Expect(err).To(MatchError(io.EOF))
	})

	It("reads frames delivered a byte at a time", func() {
		frame := protocol.Array(protocol.BulkString("a"), protocol.Map(protocol.BulkString("k"), protocol.Double(2)))
		encoded := protocol.AppendFrame(nil, frame)

		r := protocol.NewReader(oneByteReader{bytes.NewReader(encoded)}, protocol.RESP3)

		f, err := r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f).To(Equal(frame))
	})

	It("grows its buffer for large bulk strings", func() {
		payload := bytes.Repeat([]byte("x"), 100*1024)
		encoded := protocol.AppendFrame(nil, protocol.Bulk(payload))

		r := protocol.NewReader(bytes.NewReader(encoded), protocol.RESP2)

		f, err := r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f.Str).To(Equal(payload))
	})

	It("reports a stream that ends mid frame as unexpected EOF", func() {
		r := protocol.NewReader(strings.NewReader("$10\r\nabc"), protocol.RESP2)

		_, err := r.ReadFrame()
		Expect(err).To(MatchError(io.ErrUnexpectedEOF))
	})

	It("decodes with the revision set after construction", func() {
		r := protocol.NewReader(strings.NewReader("+OK\r\n#t\r\n"), protocol.RESP2)

		_, err := r.ReadFrame()
		Expect(err).To(Succeed())

		r.SetProtocol(protocol.RESP3)
		Expect(r.Protocol()).To(Equal(protocol.RESP3))

		f, err := r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f).To(Equal(protocol.Boolean(true)))
	})

	It("reads every kind of frame delivered a byte at a time", func() {
		var frames []protocol.Frame
		for _, f := range resp2Frames {
			frames = append(frames, f)
		}
		for _, f := range resp3Frames {
			frames = append(frames, f)
		}

		var encoded []byte
		for _, f := range frames {
			encoded = protocol.AppendFrame(encoded, f)
		}

		r := protocol.NewReader(oneByteReader{bytes.NewReader(encoded)}, protocol.RESP3)

		for _, want := range frames {
			f, err := r.ReadFrame()
			Expect(err).To(Succeed())
			Expect(f).To(Equal(want))
		}

		Expect(r.Buffered()).To(BeZero())
	})

	It("decodes a large reply arriving in small reads in linear time", func() {
		elems := make([]protocol.Frame, 200000)
		for i := range elems {
			elems[i] = protocol.BulkString(fmt.Sprintf("key:%07d", i))
		}
		encoded := protocol.AppendFrame(nil, protocol.Array(elems...))
		encoded = protocol.AppendFrame(encoded, protocol.SimpleString("PONG"))

		r := protocol.NewReader(chunkReader{r: bytes.NewReader(encoded), size: 16 * 1024}, protocol.RESP2)

		start := time.Now()

		f, err := r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f.Elems).To(HaveLen(len(elems)))
		Expect(f.Elems[len(elems)-1]).To(Equal(elems[len(elems)-1]))

		f, err = r.ReadFrame()
		Expect(err).To(Succeed())
		Expect(f).To(Equal(protocol.SimpleString("PONG")))

		// Decoding from scratch after every read takes seconds at this size
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})

	It("reports a malformed element before the rest of the frame arrives", func() {
		pr, pw := io.Pipe()
		defer pw.Close()

		go func() {
			_, _ = pw.Write([]byte("*3\r\n:1\r\n?bad\r\n"))
		}()

		r := protocol.NewReader(pr, protocol.RESP2)

		_, err := r.ReadFrame()
		Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
	})

	It("surfaces protocol errors", func() {
		r := protocol.NewReader(strings.NewReader("#t\r\n"), protocol.RESP2)

		_, err := r.ReadFrame()
		Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
	})
})
