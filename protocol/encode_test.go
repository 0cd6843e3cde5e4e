package protocol_test

import (
	"math"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/protocol"
)

var _ = Describe("Encoding", func() {
	Describe("AppendCommand", func() {
		It("writes an array of bulk strings", func() {
			b := protocol.AppendCommand(nil, []byte("GET"), []byte("key"))
			Expect(string(b)).To(Equal("*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n"))
		})

		It("is binary safe", func() {
			b := protocol.AppendCommand(nil, []byte("SET"), []byte("k"), []byte{0, '\r', '\n'})
			Expect(string(b)).To(Equal("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$3\r\n\x00\r\n\r\n"))
		})

		It("appends to the existing buffer", func() {
			b := protocol.AppendCommand([]byte("+OK\r\n"), []byte("PING"))
			Expect(string(b)).To(Equal("+OK\r\n*1\r\n$4\r\nPING\r\n"))
		})

		It("decodes back into a request", func() {
			b := protocol.AppendCommand(nil, []byte("set"), []byte("key"), []byte("value"))

			f, _, err := protocol.Decode(b, protocol.RESP2)
			Expect(err).To(Succeed())

			req, err := protocol.ParseRequest(f)
			Expect(err).To(Succeed())
			Expect(req.Name()).To(Equal("SET"))
			Expect(req.NArgs()).To(Equal(2))
			Expect(req.Arg(0)).To(Equal([]byte("key")))
			Expect(req.Arg(2)).To(BeNil())
		})
	})

	Describe("AppendFrame", func() {
		It("writes RESP2 nulls with a length of -1", func() {
			Expect(string(protocol.AppendFrame(nil, protocol.NullBulk()))).To(Equal("$-1\r\n"))
			Expect(string(protocol.AppendFrame(nil, protocol.NullArray()))).To(Equal("*-1\r\n"))
		})

		It("writes RESP3 scalars", func() {
			Expect(string(protocol.AppendFrame(nil, protocol.Null()))).To(Equal("_\r\n"))
			Expect(string(protocol.AppendFrame(nil, protocol.Boolean(true)))).To(Equal("#t\r\n"))
			Expect(string(protocol.AppendFrame(nil, protocol.Double(1.5)))).To(Equal(",1.5\r\n"))
			Expect(string(protocol.AppendFrame(nil, protocol.Double(math.Inf(1))))).To(Equal(",inf\r\n"))
			Expect(string(protocol.AppendFrame(nil, protocol.Verbatim("txt", "hi")))).To(Equal("=6\r\ntxt:hi\r\n"))
		})

		It("counts map entries as pairs", func() {
			m := protocol.Map(protocol.SimpleString("a"), protocol.Integer(1))
			Expect(string(protocol.AppendFrame(nil, m))).To(Equal("%1\r\n+a\r\n:1\r\n"))
		})
	})

	Describe("ParseRequest", func() {
		It("rejects frames that are not arrays of bulk strings", func() {
			_, err := protocol.ParseRequest(protocol.SimpleString("PING"))
			Expect(err).To(MatchError(ContainSubstring("must be an array")))

			_, err = protocol.ParseRequest(protocol.Array(protocol.Integer(1)))
			Expect(err).To(HaveOccurred())

			_, err = protocol.ParseRequest(protocol.Array())
			Expect(err).To(MatchError(protocol.ErrRequestEmpty))
		})
	})

	Describe("Frame", func() {
		It("renders scalar text", func() {
			Expect(protocol.Integer(12).Text()).To(Equal("12"))
			Expect(protocol.BulkString("x").Text()).To(Equal("x"))
			Expect(protocol.NullBulk().Text()).To(Equal(""))
			Expect(protocol.Boolean(true).Text()).To(Equal("1"))
		})

		It("knows which kinds only exist in RESP3", func() {
			Expect(protocol.KindArray.IsRESP3()).To(BeFalse())
			Expect(protocol.KindPush.IsRESP3()).To(BeTrue())
			Expect(protocol.Kind('?').IsRESP3()).To(BeFalse())
		})
	})
})
