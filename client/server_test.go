package client_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/client"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/cursor"
	"github.com/luma/respmux/features"
	"github.com/luma/respmux/internal/fakeserver"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

var _ = Describe("Server", func() {
	var (
		server *fakeserver.Server
		m      *client.Multiplexer
		s      *client.Server
	)

	setup := func(opts fakeserver.Options) {
		server = startServer(opts)
		m = open(baseOptions(server.Addr()))

		var err error
		s, err = m.Server(server.Addr())
		Expect(err).To(Succeed())

		for i := 0; i < 25; i++ {
			server.Store().Set(context.Background(), 1, fmt.Sprintf("key:%02d", i), []byte("v"))
		}
	}

	AfterEach(func() {
		closeMux(m)
		Expect(server.Close()).To(Succeed())
	})

	Describe("on a current server", func() {
		BeforeEach(func() {
			setup(fakeserver.Options{})
		})

		It("describes the server", func() {
			Expect(s.Addr()).To(Equal(server.Addr()))
			Expect(s.IsConnected()).To(BeTrue())
			Expect(s.IsReplica()).To(BeFalse())
			Expect(s.Protocol()).To(Equal(protocol.RESP3))
			Expect(s.Version().String()).To(Equal("7.2.4"))
			Expect(s.Features().Has(features.Scan)).To(BeTrue())

			Expect(m.Servers()).To(HaveLen(1))
		})

		It("pings and echoes", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			rtt, err := s.Ping(ctx)
			Expect(err).To(Succeed())
			Expect(rtt).To(BeNumerically(">", 0))

			Expect(s.Echo(ctx, []byte("hi"))).To(Equal([]byte("hi")))
		})

		It("sizes and describes databases", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			Expect(s.DatabaseSize(ctx, 1)).To(Equal(int64(25)))
			Expect(s.DatabaseSize(ctx, command.DefaultDB)).To(Equal(int64(0)))
			Expect(s.Role(ctx)).To(Equal("master"))
		})

		It("executes arbitrary commands", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			Expect(s.Execute(ctx, "SET", "a", "1")).To(Equal(protocol.SimpleString("OK")))
			Expect(s.Execute(ctx, "GET", "a")).To(Equal(protocol.BulkString("1")))
		})

		It("refuses demands the server cannot meet", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			_, err := s.Submit(command.New("GET", "a").WithFlags(command.DemandReplica)).Wait(ctx)
			Expect(errors.Is(err, topology.ErrNoReplica)).To(BeTrue())

			_, err = s.Submit(command.New("GET", "a").WithFlags(command.PreferReplica)).Wait(ctx)
			Expect(err).To(Succeed())
		})

		It("enumerates keys with SCAN", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			keys, err := s.Keys(1, cursor.Options{Pattern: "key:*", PageSize: 10}).Collect(ctx)
			Expect(err).To(Succeed())
			Expect(keys).To(HaveLen(25))
			Expect(server.Received("SCAN")).To(Equal(3))
			Expect(server.Received("KEYS")).To(Equal(0))
		})

		It("resumes an enumeration", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			e := s.Keys(1, cursor.Options{PageSize: 10})
			for i := 0; i < 12; i++ {
				Expect(e.Next(ctx)).To(BeTrue())
			}
			Expect(string(e.Value())).To(Equal("key:11"))

			rest, err := s.Keys(1, cursor.Options{PageSize: 10, Cursor: e.Cursor(), PageOffset: e.PageOffset()}).Collect(ctx)
			Expect(err).To(Succeed())
			Expect(rest).To(HaveLen(13))
			Expect(string(rest[0])).To(Equal("key:12"))
		})

		It("counts traffic", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			for i := 0; i < 5; i++ {
				_, err := s.Execute(ctx, "INCR", "n")
				Expect(err).To(Succeed())
			}

			stats := s.Counters()[bridge.Interactive]
			Expect(stats.Submitted).To(BeNumerically(">=", 5))
			Expect(stats.Completed).To(BeNumerically(">=", 5))
			Expect(stats.Failed).To(BeZero())
		})

		It("reports status", func() {
			st := m.Status()
			Expect(st.Mode).To(Equal("standalone"))
			Expect(st.Connected).To(BeTrue())
			Expect(st.Endpoints).To(HaveLen(1))
			Expect(st.Endpoints[0].Addr).To(Equal(server.Addr()))
			Expect(st.Endpoints[0].Version).To(Equal("7.2.4"))
			Expect(st.Endpoints[0].Protocol).To(Equal(3))
			Expect(st.Endpoints[0].Features).To(ContainElement("scan"))
			Expect(st.Endpoints[0].Bridges[0].Role).To(Equal("interactive"))
		})

		It("reports when each connection last heard from the server", func() {
			before := time.Now()

			ctx, cancel := ctxWithTimeout()
			defer cancel()

			_, err := s.Ping(ctx)
			Expect(err).To(Succeed())

			lastRead := m.Status().Endpoints[0].Bridges[0].LastRead
			Expect(lastRead).To(BeTemporally(">=", before))
			Expect(lastRead).To(BeTemporally("<=", time.Now()))
		})

		It("does not know other servers", func() {
			_, err := m.Server("127.0.0.1:1")
			Expect(errors.Is(err, client.ErrUnknownServer)).To(BeTrue())
		})
	})

	Describe("on a server without SCAN", func() {
		BeforeEach(func() {
			setup(fakeserver.Options{Version: "2.6.17", MaxProtocol: protocol.RESP2, DisableScan: true})
		})

		It("negotiates RESP2", func() {
			Expect(s.Protocol()).To(Equal(protocol.RESP2))
			Expect(s.Features().Has(features.Scan)).To(BeFalse())
		})

		It("falls back to KEYS", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			keys, err := s.Keys(1, cursor.Options{Pattern: "key:1*"}).Collect(ctx)
			Expect(err).To(Succeed())
			Expect(keys).To(HaveLen(10))
			Expect(server.Received("KEYS")).To(Equal(1))
			Expect(server.Received("SCAN")).To(Equal(0))
		})

		It("cannot resume from a cursor", func() {
			ctx, cancel := ctxWithTimeout()
			defer cancel()

			_, err := s.Keys(1, cursor.Options{Cursor: 20}).Collect(ctx)
			Expect(err).To(MatchError(cursor.ErrNoCursor))
		})
	})
})
