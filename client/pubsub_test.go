package client_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/client"
	"github.com/luma/respmux/internal/fakeserver"
)

var _ = Describe("Pub/sub", func() {
	var (
		server *fakeserver.Server
		m      *client.Multiplexer
	)

	BeforeEach(func() {
		server = startServer(fakeserver.Options{})
		m = open(baseOptions(server.Addr()))
	})

	AfterEach(func() {
		closeMux(m)
		Expect(server.Close()).To(Succeed())
	})

	publish := func(channel, msg string) func() int {
		return func() int {
			n, _ := server.Publish(channel, []byte(msg))
			return n
		}
	}

	It("delivers messages to handlers", func() {
		var (
			mu       sync.Mutex
			received []string
		)

		ctx, cancel := ctxWithTimeout()
		defer cancel()

		Expect(m.Subscribe(ctx, "news", func(msg *client.Message) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, msg.Channel+":"+string(msg.Payload))
		})).To(Succeed())

		Expect(m.Subscriptions()).To(ConsistOf("news"))

		n, err := m.Publish(ctx, "news", []byte("hello"))
		Expect(err).To(Succeed())
		Expect(n).To(Equal(int64(1)))

		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), received...)
		}).Should(Equal([]string{"news:hello"}))
	})

	It("keeps commands flowing while subscribed", func() {
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		_, err := m.SubscribeChan(ctx, "news")
		Expect(err).To(Succeed())

		_, err = m.Execute(ctx, "SET", "k", "v")
		Expect(err).To(Succeed())
	})

	It("delivers messages on a channel", func() {
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		ch, err := m.SubscribeChan(ctx, "news")
		Expect(err).To(Succeed())

		Expect(publish("news", "one")()).To(Equal(1))
		Expect(publish("news", "two")()).To(Equal(1))

		var msg *client.Message
		Eventually(ch).Should(Receive(&msg))
		Expect(string(msg.Payload)).To(Equal("one"))
		Eventually(ch).Should(Receive(&msg))
		Expect(string(msg.Payload)).To(Equal("two"))

		Expect(m.Unsubscribe(ctx, "news")).To(Succeed())
		Eventually(ch).Should(BeClosed())
		Expect(m.Subscriptions()).To(BeEmpty())

		Eventually(publish("news", "three")).Should(Equal(0))
	})

	It("resubscribes after reconnecting", func() {
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		ch, err := m.SubscribeChan(ctx, "news")
		Expect(err).To(Succeed())

		server.KillConnections()

		Eventually(publish("news", "again"), 3*time.Second).Should(Equal(1))

		var msg *client.Message
		Eventually(ch).Should(Receive(&msg))
		Expect(string(msg.Payload)).To(Equal("again"))
	})

	It("fails to subscribe once closed", func() {
		closeMux(m)

		err := m.Subscribe(context.Background(), "news", func(*client.Message) {})
		Expect(err).To(MatchError(client.ErrClosed))
	})
})
