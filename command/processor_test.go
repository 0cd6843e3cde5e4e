package command_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/protocol"
)

var _ = Describe("Processors", func() {
	cmd := command.New("TEST")

	process := func(p command.Processor, f protocol.Frame) (interface{}, error) {
		return p.Process(f, cmd)
	}

	It("decodes integers", func() {
		Expect(process(command.Int64, protocol.Integer(12))).To(Equal(int64(12)))
		Expect(process(command.Int64, protocol.BulkString("-3"))).To(Equal(int64(-3)))

		_, err := process(command.Int64, protocol.BulkString("x"))
		Expect(err).To(MatchError(command.ErrUnexpectedReply))

		_, err = process(command.Int64, protocol.NullBulk())
		Expect(err).To(MatchError(command.ErrNil))
	})

	It("decodes doubles from both revisions", func() {
		Expect(process(command.Float64, protocol.Double(1.25))).To(Equal(1.25))
		Expect(process(command.Float64, protocol.BulkString("2.5"))).To(Equal(2.5))
	})

	It("returns nil bytes for null replies", func() {
		val, err := process(command.Bytes, protocol.NullBulk())
		Expect(err).To(Succeed())
		Expect(val).To(BeNil())

		val, err = process(command.Bytes, protocol.Null())
		Expect(err).To(Succeed())
		Expect(val).To(BeNil())

		Expect(process(command.Bytes, protocol.BulkString("v"))).To(Equal([]byte("v")))
	})

	It("reports null strings as ErrNil", func() {
		_, err := process(command.String, protocol.NullBulk())
		Expect(err).To(MatchError(command.ErrNil))

		Expect(process(command.String, protocol.Verbatim("txt", "hello"))).To(Equal("hello"))
	})

	It("accepts only OK for OK", func() {
		Expect(process(command.OK, protocol.SimpleString("OK"))).To(BeTrue())

		_, err := process(command.OK, protocol.SimpleString("QUEUED"))
		Expect(err).To(MatchError(command.ErrUnexpectedReply))
	})

	It("decodes booleans from both revisions", func() {
		Expect(process(command.Boolean, protocol.Boolean(true))).To(BeTrue())
		Expect(process(command.Boolean, protocol.Integer(0))).To(BeFalse())
	})

	It("decodes string lists", func() {
		Expect(process(command.Strings, protocol.Strings("a", "b"))).To(Equal([]string{"a", "b"}))
		Expect(process(command.Strings, protocol.Set(protocol.BulkString("c")))).To(Equal([]string{"c"}))
	})

	It("accepts both forms of PONG", func() {
		Expect(process(command.Pong, protocol.SimpleString("PONG"))).To(Equal("PONG"))
		Expect(process(command.Pong, protocol.Strings("pong", ""))).To(Equal(""))
	})

	It("decodes scan pages", func() {
		val, err := process(command.ScanPage, protocol.Array(
			protocol.BulkString("17"),
			protocol.Strings("a", "b"),
		))
		Expect(err).To(Succeed())
		Expect(val).To(Equal(command.Page{Cursor: 17, Items: [][]byte{[]byte("a"), []byte("b")}}))

		_, err = process(command.ScanPage, protocol.Strings("x"))
		Expect(err).To(MatchError(command.ErrUnexpectedReply))

		_, err = process(command.ScanPage, protocol.Array(protocol.BulkString("nope"), protocol.Array()))
		Expect(err).To(MatchError(command.ErrUnexpectedReply))
	})

	It("decodes byte lists", func() {
		Expect(process(command.BytesList, protocol.Strings("k1", "k2"))).To(Equal([][]byte{[]byte("k1"), []byte("k2")}))
	})
})
