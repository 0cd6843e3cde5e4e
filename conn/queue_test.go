package conn_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/conn"
	"github.com/luma/respmux/protocol"
)

var _ = Describe("Queue", func() {
	var q *conn.Queue

	BeforeEach(func() {
		q = &conn.Queue{}
	})

	It("pops in push order", func() {
		a := conn.NewEntry(command.New("GET", "a"), 1)
		b := conn.NewEntry(command.New("GET", "b"), 2)

		q.Push(a)
		q.Push(b)

		Expect(q.Len()).To(Equal(2))
		Expect(q.Peek()).To(BeIdenticalTo(a))
		Expect(q.Pop()).To(BeIdenticalTo(a))
		Expect(q.Pop()).To(BeIdenticalTo(b))
		Expect(q.Pop()).To(BeNil())
		Expect(q.Peek()).To(BeNil())
	})

	It("completes the head with the processed reply", func() {
		e := conn.NewEntry(command.New("INCR", "n").WithProcessor(command.Int64), 1)
		q.Push(e)

		delivered, err := q.Complete(protocol.Integer(7))
		Expect(err).To(Succeed())
		Expect(delivered).To(BeTrue())
		Expect(e.Future.Result()).To(Equal(int64(7)))
		Expect(q.Len()).To(BeZero())
	})

	It("completes the head with a server error", func() {
		e := conn.NewEntry(command.New("INCR", "n").WithProcessor(command.Int64), 1)
		q.Push(e)

		_, err := q.Complete(protocol.Error("WRONGTYPE Operation against a key holding the wrong kind of value"))
		Expect(err).To(Succeed())

		_, err = e.Future.Result()
		Expect(err).To(MatchError(&command.ServerError{Prefix: "WRONGTYPE"}))
	})

	It("discards replies for entries that already completed", func() {
		stale := conn.NewEntry(command.New("GET", "a"), 1)
		stale.Future.Cancel()
		live := conn.NewEntry(command.New("GET", "b").WithProcessor(command.String), 2)

		q.Push(stale)
		q.Push(live)

		delivered, err := q.Complete(protocol.BulkString("for a"))
		Expect(err).To(Succeed())
		Expect(delivered).To(BeFalse())

		_, err = q.Complete(protocol.BulkString("for b"))
		Expect(err).To(Succeed())
		Expect(live.Future.Result()).To(Equal("for b"))

		_, err = stale.Future.Result()
		Expect(err).To(MatchError(command.ErrCancelled))
	})

	It("reports a reply with nothing waiting as a desync", func() {
		_, err := q.Complete(protocol.SimpleString("OK"))
		Expect(err).To(MatchError(conn.ErrDesync))
	})

	It("drains everything in order", func() {
		entries := []*conn.Entry{
			conn.NewEntry(command.New("GET", "a"), 1),
			conn.NewEntry(command.New("GET", "b"), 2),
			conn.NewEntry(command.New("GET", "c"), 3),
		}
		for _, e := range entries {
			q.Push(e)
		}

		Expect(q.DrainAll()).To(Equal(entries))
		Expect(q.Len()).To(BeZero())
		Expect(q.DrainAll()).To(BeEmpty())
	})
})

var _ = Describe("ParseInfo()", func() {
	It("reads fields and skips section headers", func() {
		info := conn.ParseInfo([]byte("# Server\r\nredis_version:6.2.6\r\nredis_mode:cluster\r\n\r\n# Replication\r\nrole:master\r\n"))

		Expect(info).To(Equal(map[string]string{
			"redis_version": "6.2.6",
			"redis_mode":    "cluster",
			"role":          "master",
		}))
	})
})
