package bridge_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/conn"
)

func entries(n int) []*conn.Entry {
	out := make([]*conn.Entry, n)
	for i := range out {
		out[i] = conn.NewEntry(command.New("GET", fmt.Sprintf("k%d", i)), uint64(i))
	}
	return out
}

var _ = Describe("Backlog", func() {
	It("accepts up to capacity and rejects the newest", func() {
		b := bridge.NewBacklog(3, bridge.RejectNewest)
		es := entries(4)

		for _, e := range es[:3] {
			Expect(b.Push(e)).To(BeNil())
		}

		Expect(b.Push(es[3])).To(BeIdenticalTo(es[3]))
		Expect(b.Drain()).To(Equal(es[:3]))
	})

	It("drops the oldest when asked to", func() {
		b := bridge.NewBacklog(3, bridge.DropOldest)
		es := entries(4)

		for _, e := range es[:3] {
			Expect(b.Push(e)).To(BeNil())
		}

		Expect(b.Push(es[3])).To(BeIdenticalTo(es[0]))
		Expect(b.Drain()).To(Equal(es[1:]))
	})

	It("does not count entries that completed while queued", func() {
		b := bridge.NewBacklog(2, bridge.RejectNewest)
		es := entries(3)

		b.Push(es[0])
		b.Push(es[1])
		es[0].Future.Cancel()

		Expect(b.Push(es[2])).To(BeNil())
		Expect(b.Len()).To(Equal(2))
		Expect(b.Drain()).To(Equal(es[1:]))
	})

	It("puts replayed entries first, in order", func() {
		b := bridge.NewBacklog(10, bridge.RejectNewest)
		es := entries(5)

		b.Push(es[3])
		b.Push(es[4])

		Expect(b.PushFront(es[:3])).To(BeEmpty())
		Expect(b.Drain()).To(Equal(es))
	})

	It("trims replays to capacity by policy", func() {
		es := entries(5)

		b := bridge.NewBacklog(3, bridge.RejectNewest)
		b.Push(es[3])
		b.Push(es[4])
		Expect(b.PushFront(es[:3])).To(Equal(es[3:]))
		Expect(b.Drain()).To(Equal(es[:3]))

		b = bridge.NewBacklog(3, bridge.DropOldest)
		b.Push(es[3])
		b.Push(es[4])
		Expect(b.PushFront(es[:3])).To(Equal(es[:2]))
		Expect(b.Drain()).To(Equal(es[2:]))
	})
})
