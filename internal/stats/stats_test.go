package stats_test

import (
	"bytes"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/command"
	"github.com/luma/respmux/internal/stats"
)

var _ = Describe("Collector", func() {
	var c *stats.Collector

	BeforeEach(func() {
		c = stats.New("127.0.0.1:6379", "interactive")
	})

	AfterEach(func() {
		c.Close()
	})

	It("classifies completions", func() {
		start := time.Now()

		c.Submit()
		c.Submit()
		c.Submit()
		c.Submit()

		c.Complete(start, nil)
		c.Complete(start, &command.ServerError{Prefix: "ERR", Message: "nope"})
		c.Complete(start, command.ErrTimeout)
		c.Complete(start, errors.New("connection reset"))

		snap := c.Snapshot()
		Expect(snap.Submitted).To(Equal(int64(4)))
		Expect(snap.Completed).To(Equal(int64(2)))
		Expect(snap.TimedOut).To(Equal(int64(1)))
		Expect(snap.Failed).To(Equal(int64(1)))
	})

	It("tracks bridge events", func() {
		c.Overflow()
		c.Replay(3)
		c.Reconnect()
		c.HeartbeatMiss()
		c.Backlog(7)

		snap := c.Snapshot()
		Expect(snap.Overflowed).To(Equal(int64(1)))
		Expect(snap.Replayed).To(Equal(int64(3)))
		Expect(snap.Reconnects).To(Equal(int64(1)))
		Expect(snap.HeartbeatMisses).To(Equal(int64(1)))
		Expect(snap.Backlog).To(Equal(int64(7)))
	})

	It("exports Prometheus series", func() {
		c.Submit()

		var buf bytes.Buffer
		stats.WritePrometheus(&buf)

		Expect(buf.String()).To(ContainSubstring(`respmux_commands_submitted_total{endpoint="127.0.0.1:6379",role="interactive"}`))
	})
})
