package command_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/protocol"
)

var _ = Describe("Command", func() {
	It("converts arguments to their wire form", func() {
		cmd := command.New("set", "key", 42, int64(-7), 1.5, true, []byte{0x01})

		Expect(cmd.Name).To(Equal("SET"))
		Expect(cmd.DB).To(Equal(command.DefaultDB))
		Expect(cmd.Args).To(Equal([][]byte{
			[]byte("key"), []byte("42"), []byte("-7"), []byte("1.5"), []byte("1"), {0x01},
		}))
		Expect(cmd.Key()).To(Equal([]byte("key")))
	})

	It("encodes as an array of bulk strings", func() {
		cmd := command.New("GET", "foo")
		Expect(string(cmd.AppendTo(nil))).To(Equal("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	})

	It("has no routing key when keyless", func() {
		Expect(command.Keyless("PING").Key()).To(BeNil())
		Expect(command.Keyless("ECHO", "hi").Key()).To(BeNil())
		Expect(command.New("PING").Key()).To(BeNil())
	})

	It("derives copies without modifying the original", func() {
		cmd := command.New("GET", "foo")
		other := cmd.WithFlags(command.FireAndForget).WithDB(3).WithKey(-1)

		Expect(cmd.Flags).To(Equal(command.PreferPrimary))
		Expect(cmd.DB).To(Equal(command.DefaultDB))
		Expect(cmd.Key()).To(Equal([]byte("foo")))

		Expect(other.Flags.Has(command.FireAndForget)).To(BeTrue())
		Expect(other.DB).To(Equal(3))
		Expect(other.Key()).To(BeNil())
	})

	Describe("Flags", func() {
		It("replaces only the routing bits", func() {
			f := command.FireAndForget | command.PreferReplica | command.NoRedirect
			f = f.WithRole(command.PreferPrimary)

			Expect(f.Role()).To(Equal(command.PreferPrimary))
			Expect(f.Has(command.FireAndForget)).To(BeTrue())
			Expect(f.Has(command.NoRedirect)).To(BeTrue())
			Expect(f.Has(command.PreferReplica)).To(BeFalse())
		})

		It("renders the set flags", func() {
			Expect(command.PreferPrimary.String()).To(Equal("PreferPrimary"))
			Expect((command.DemandReplica | command.Internal).String()).To(Equal("DemandReplica|Internal"))
		})
	})

	Describe("Process", func() {
		It("maps error frames to server errors", func() {
			cmd := command.New("INCR", "foo").WithProcessor(command.Int64)

			_, err := cmd.Process(protocol.Error("WRONGTYPE Operation against a key holding the wrong kind of value"))

			var serr *command.ServerError
			Expect(errors.As(err, &serr)).To(BeTrue())
			Expect(serr.Prefix).To(Equal("WRONGTYPE"))
			Expect(errors.Is(err, &command.ServerError{Prefix: "WRONGTYPE"})).To(BeTrue())
			Expect(errors.Is(err, &command.ServerError{Prefix: "MOVED"})).To(BeFalse())
		})

		It("maps blob errors to server errors", func() {
			_, err := command.New("X").Process(protocol.BlobError("SYNTAX invalid syntax"))
			Expect(err).To(MatchError("SYNTAX invalid syntax"))
		})

		It("leaves lower case messages without a prefix", func() {
			serr := command.ParseServerError(protocol.Error("unknown failure"))
			Expect(serr.Prefix).To(BeEmpty())
		})

		It("defaults to the raw frame", func() {
			cmd := &command.Command{Name: "GET"}
			val, err := cmd.Process(protocol.BulkString("x"))
			Expect(err).To(Succeed())
			Expect(val).To(Equal(protocol.BulkString("x")))
		})
	})
})
