package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/client"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/internal/fakeserver"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

func ctxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func startServer(opts fakeserver.Options) *fakeserver.Server {
	s, err := fakeserver.Start(opts)
	Expect(err).To(Succeed())
	return s
}

func baseOptions(addrs ...string) client.Options {
	return client.Options{
		Endpoints:              addrs,
		ConnectTimeout:         time.Second,
		QueueWhileDisconnected: true,
		MinBackoff:             10 * time.Millisecond,
		MaxBackoff:             50 * time.Millisecond,
		HeartbeatInterval:      50 * time.Millisecond,
	}
}

func open(opts client.Options) *client.Multiplexer {
	ctx, cancel := ctxWithTimeout()
	defer cancel()

	m, err := client.Open(ctx, opts)
	Expect(err).To(Succeed())
	return m
}

func closeMux(m *client.Multiplexer) {
	ctx, cancel := ctxWithTimeout()
	defer cancel()

	Expect(m.Close(ctx)).To(Succeed())
}

var _ = Describe("Multiplexer", func() {
	var server *fakeserver.Server

	BeforeEach(func() {
		server = startServer(fakeserver.Options{})
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	It("runs commands", func() {
		m := open(baseOptions(server.Addr()))
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		Expect(m.IsConnected()).To(BeTrue())

		Expect(m.Execute(ctx, "SET", "greeting", "hello")).To(Equal(protocol.SimpleString("OK")))
		Expect(m.Execute(ctx, "GET", "greeting")).To(Equal(protocol.BulkString("hello")))

		n, err := m.Do(ctx, command.New("INCR", "counter").WithProcessor(command.Int64))
		Expect(err).To(Succeed())
		Expect(n).To(Equal(int64(1)))
	})

	It("keeps submission order", func() {
		m := open(baseOptions(server.Addr()))
		defer closeMux(m)

		futures := make([]*command.Future, 200)
		for i := range futures {
			futures[i] = m.Submit(command.New("INCR", "seq").WithProcessor(command.Int64))
		}

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		for i, f := range futures {
			Expect(command.Await[int64](ctx, f)).To(Equal(int64(i + 1)))
		}
	})

	It("uses the default database", func() {
		opts := baseOptions(server.Addr())
		opts.DefaultDB = 3

		m := open(opts)
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		_, err := m.Execute(ctx, "SET", "k", "v")
		Expect(err).To(Succeed())

		v, found := server.Store().Get(ctx, 3, "k")
		Expect(found).To(BeTrue())
		Expect(string(v)).To(Equal("v"))

		_, err = m.Do(ctx, command.New("SET", "k", "v0").WithDB(0))
		Expect(err).To(Succeed())

		v, _ = server.Store().Get(ctx, 0, "k")
		Expect(string(v)).To(Equal("v0"))
	})

	It("surfaces server errors", func() {
		m := open(baseOptions(server.Addr()))
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		_, err := m.Execute(ctx, "NOPE")

		var serr *command.ServerError
		Expect(errors.As(err, &serr)).To(BeTrue())
		Expect(serr.Prefix).To(Equal("ERR"))
		Expect(m.IsConnected()).To(BeTrue())
	})

	It("needs endpoints", func() {
		_, err := client.Open(context.Background(), client.Options{})
		Expect(err).To(MatchError(client.ErrNoEndpoints))
	})

	It("fails closed", func() {
		m := open(baseOptions(server.Addr()))
		closeMux(m)

		_, err := m.Execute(context.Background(), "PING")
		Expect(err).To(MatchError(client.ErrClosed))

		_, err = m.Server(server.Addr())
		Expect(err).To(MatchError(client.ErrClosed))

		Expect(m.Close(context.Background())).To(Succeed())
	})

	Describe("connecting", func() {
		It("aborts when nothing connects", func() {
			opts := baseOptions("127.0.0.1:1")
			opts.ConnectTimeout = 200 * time.Millisecond
			opts.AbortOnConnectFail = true

			_, err := client.Open(context.Background(), opts)
			Expect(errors.Is(err, client.ErrNotConnected)).To(BeTrue())
		})

		It("keeps trying in the background", func() {
			opts := baseOptions("127.0.0.1:1")
			opts.ConnectTimeout = 200 * time.Millisecond

			m := open(opts)
			defer closeMux(m)

			Expect(m.IsConnected()).To(BeFalse())
			Expect(m.Status().Endpoints[0].Bridges[0].LastError).NotTo(BeEmpty())
		})

		It("queues commands until the server is up", func() {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).To(Succeed())
			_, p, _ := net.SplitHostPort(l.Addr().String())
			Expect(l.Close()).To(Succeed())

			port, _ := strconv.Atoi(p)

			opts := baseOptions(l.Addr().String())
			opts.ConnectTimeout = 100 * time.Millisecond

			m := open(opts)
			defer closeMux(m)

			f := m.Submit(command.New("SET", "late", "yes"))
			Consistently(f.IsDone, 100*time.Millisecond).Should(BeFalse())

			late := startServer(fakeserver.Options{Port: port})
			defer late.Close()

			ctx, cancel := ctxWithTimeout()
			defer cancel()

			Expect(f.Wait(ctx)).To(Equal(protocol.SimpleString("OK")))
			Eventually(m.IsConnected).Should(BeTrue())
		})
	})

	Describe("connection events", func() {
		It("reports failures and restorations", func() {
			failed := make(chan client.ConnectionEvent, 8)
			restored := make(chan client.ConnectionEvent, 8)

			opts := baseOptions(server.Addr())
			opts.OnConnectionFailed = func(ev client.ConnectionEvent) { failed <- ev }
			opts.OnConnectionRestored = func(ev client.ConnectionEvent) { restored <- ev }

			m := open(opts)
			defer closeMux(m)

			s, err := m.Server(server.Addr())
			Expect(err).To(Succeed())

			s.SimulateConnectionFailure()

			var ev client.ConnectionEvent
			Eventually(failed, 2*time.Second).Should(Receive(&ev))
			Expect(ev.Addr).To(Equal(server.Addr()))
			Expect(ev.Role).To(Equal(bridge.Interactive))
			Expect(errors.Is(ev.Err, bridge.ErrSimulatedFailure)).To(BeTrue())

			Eventually(restored, 2*time.Second).Should(Receive(&ev))
			Expect(ev.Addr).To(Equal(server.Addr()))
			Expect(ev.Err).To(BeNil())

			Expect(s.Counters()[bridge.Interactive].Reconnects).To(Equal(int64(1)))
		})

		It("detects an unresponsive server with heartbeats", func() {
			failed := make(chan client.ConnectionEvent, 8)

			opts := baseOptions(server.Addr())
			opts.HeartbeatMisses = 2
			opts.OnConnectionFailed = func(ev client.ConnectionEvent) { failed <- ev }

			m := open(opts)
			defer closeMux(m)

			server.Pause()

			var ev client.ConnectionEvent
			Eventually(failed, 2*time.Second).Should(Receive(&ev))
			Expect(errors.Is(ev.Err, bridge.ErrHeartbeatTimeout)).To(BeTrue())

			server.Resume()
			Eventually(m.IsConnected, 3*time.Second).Should(BeTrue())
		})
	})

	Describe("routing", func() {
		It("sends replica reads to a replica", func() {
			replica := startServer(fakeserver.Options{Role: "slave"})
			defer replica.Close()

			m := open(baseOptions(server.Addr(), replica.Addr()))
			defer closeMux(m)

			ctx, cancel := ctxWithTimeout()
			defer cancel()

			_, err := m.Do(ctx, command.New("GET", "k").WithFlags(command.DemandReplica))
			Expect(err).To(Succeed())
			_, err = m.Do(ctx, command.New("GET", "k"))
			Expect(err).To(Succeed())

			Expect(replica.Received("GET")).To(Equal(1))
			Expect(server.Received("GET")).To(Equal(1))
		})

		It("fails replica demands without replicas", func() {
			m := open(baseOptions(server.Addr()))
			defer closeMux(m)

			_, err := m.Do(context.Background(), command.New("GET", "k").WithFlags(command.DemandReplica))
			Expect(errors.Is(err, topology.ErrNoReplica)).To(BeTrue())
		})
	})
})

var _ = Describe("Cluster redirects", func() {
	var a, b *fakeserver.Server

	// slots puts every slot on a, except the ones moved to b
	var moved *xsync.MapOf[int, bool]

	node := func(s *fakeserver.Server, id string) protocol.Frame {
		host, p, _ := net.SplitHostPort(s.Addr())
		port, _ := strconv.Atoi(p)

		return protocol.Array(protocol.BulkString(host), protocol.Integer(int64(port)), protocol.BulkString(id))
	}

	slots := func(_ *fakeserver.Client, _ protocol.Request) []protocol.Frame {
		var ranges []protocol.Frame

		start := 0
		for slot := 0; slot < topology.SlotCount; slot++ {
			if _, ok := moved.Load(slot); !ok {
				continue
			}
			if start < slot {
				ranges = append(ranges, protocol.Array(protocol.Integer(int64(start)), protocol.Integer(int64(slot-1)), node(a, "a")))
			}
			ranges = append(ranges, protocol.Array(protocol.Integer(int64(slot)), protocol.Integer(int64(slot)), node(b, "b")))
			start = slot + 1
		}

		if start < topology.SlotCount {
			ranges = append(ranges, protocol.Array(protocol.Integer(int64(start)), protocol.Integer(topology.SlotCount-1), node(a, "a")))
		}

		return []protocol.Frame{protocol.Array(ranges...)}
	}

	redirectTo := func(kind string, target func() string) fakeserver.Handler {
		return func(_ *fakeserver.Client, req protocol.Request) []protocol.Frame {
			slot := topology.Slot(req.Arg(0))
			return []protocol.Frame{protocol.Error(fmt.Sprintf("%s %d %s", kind, slot, target()))}
		}
	}

	BeforeEach(func() {
		a = startServer(fakeserver.Options{Mode: "cluster"})
		b = startServer(fakeserver.Options{Mode: "cluster"})

		moved = xsync.NewMapOf[int, bool]()

		a.Handle("CLUSTER", slots)
		b.Handle("CLUSTER", slots)

		b.Store().Set(context.Background(), 0, "foo", []byte("bar"))
	})

	AfterEach(func() {
		Expect(a.Close()).To(Succeed())
		Expect(b.Close()).To(Succeed())
	})

	openCluster := func() *client.Multiplexer {
		opts := baseOptions(a.Addr())
		opts.Mode = topology.Cluster
		opts.MaxRedirects = 2
		return open(opts)
	}

	It("follows MOVED", func() {
		a.Handle("GET", func(c *fakeserver.Client, req protocol.Request) []protocol.Frame {
			moved.Store(topology.Slot(req.Arg(0)), true)
			return redirectTo("MOVED", b.Addr)(c, req)
		})

		m := openCluster()
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		Expect(m.Execute(ctx, "GET", "foo")).To(Equal(protocol.BulkString("bar")))
		Expect(a.Received("GET")).To(Equal(1))
		Expect(b.Received("GET")).To(Equal(1))

		// The slot stays on b once discovery has caught up
		Eventually(func() int {
			m.Execute(ctx, "GET", "foo")
			return b.Received("GET")
		}).Should(BeNumerically(">=", 2))
		Expect(a.Received("GET")).To(Equal(1))
	})

	It("follows ASK with ASKING", func() {
		a.Handle("GET", redirectTo("ASK", b.Addr))

		m := openCluster()
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		Expect(m.Execute(ctx, "GET", "foo")).To(Equal(protocol.BulkString("bar")))
		Expect(b.Received("ASKING")).To(Equal(1))

		// ASK does not change the slot's owner
		_, err := m.Execute(ctx, "GET", "foo")
		Expect(err).To(Succeed())
		Expect(a.Received("GET")).To(Equal(2))
	})

	It("follows a redirect that only names a port to the sender's host", func() {
		_, port, err := net.SplitHostPort(b.Addr())
		Expect(err).To(Succeed())

		a.Handle("GET", redirectTo("ASK", func() string { return ":" + port }))

		m := openCluster()
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		Expect(m.Execute(ctx, "GET", "foo")).To(Equal(protocol.BulkString("bar")))
		Expect(b.Received("ASKING")).To(Equal(1))

		_, err = m.Server(":" + port)
		Expect(errors.Is(err, client.ErrUnknownServer)).To(BeTrue())
	})

	It("leaves redirects to the caller with NoRedirect", func() {
		a.Handle("GET", redirectTo("MOVED", b.Addr))

		m := openCluster()
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		_, err := m.Do(ctx, command.New("GET", "foo").WithFlags(command.NoRedirect))

		var serr *command.ServerError
		Expect(errors.As(err, &serr)).To(BeTrue())
		Expect(serr.Prefix).To(Equal("MOVED"))
		Expect(b.Received("GET")).To(Equal(0))
	})

	It("gives up after too many redirects", func() {
		a.Handle("GET", redirectTo("ASK", b.Addr))
		b.Handle("GET", redirectTo("ASK", a.Addr))

		m := openCluster()
		defer closeMux(m)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		_, err := m.Execute(ctx, "GET", "foo")
		Expect(errors.Is(err, client.ErrTooManyRedirects)).To(BeTrue())
		Expect(a.Received("GET") + b.Received("GET")).To(Equal(3))
	})
})
