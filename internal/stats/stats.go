// Package stats counts the traffic of each bridge. Counts are kept per bridge in
// a go-metrics registry, for status reporting, and mirrored into process wide
// Prometheus series.
package stats

import (
	"errors"
	"fmt"
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/luma/respmux/command"
)

// Snapshot is a point in time copy of a Collector's counts.
type Snapshot struct {
	Submitted       int64         `json:"submitted"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	TimedOut        int64         `json:"timedOut"`
	Overflowed      int64         `json:"overflowed"`
	Replayed        int64         `json:"replayed"`
	Reconnects      int64         `json:"reconnects"`
	HeartbeatMisses int64         `json:"heartbeatMisses"`
	Backlog         int64         `json:"backlog"`
	MeanLatency     time.Duration `json:"meanLatency"`
	P99Latency      time.Duration `json:"p99Latency"`
}

type Collector struct {
	registry gometrics.Registry

	submitted       gometrics.Counter
	completed       gometrics.Counter
	failed          gometrics.Counter
	timedOut        gometrics.Counter
	overflowed      gometrics.Counter
	replayed        gometrics.Counter
	reconnects      gometrics.Counter
	heartbeatMisses gometrics.Counter
	backlog         gometrics.Gauge
	latency         gometrics.Timer

	promSubmitted  *vm.Counter
	promFailed     *vm.Counter
	promReconnects *vm.Counter
	promLatency    *vm.Histogram
}

// New creates a collector for the bridge serving addr in the given role.
func New(addr, role string) *Collector {
	r := gometrics.NewRegistry()

	labels := fmt.Sprintf(`{endpoint=%q,role=%q}`, addr, role)

	return &Collector{
		registry:        r,
		submitted:       gometrics.GetOrRegisterCounter("submitted", r),
		completed:       gometrics.GetOrRegisterCounter("completed", r),
		failed:          gometrics.GetOrRegisterCounter("failed", r),
		timedOut:        gometrics.GetOrRegisterCounter("timed_out", r),
		overflowed:      gometrics.GetOrRegisterCounter("overflowed", r),
		replayed:        gometrics.GetOrRegisterCounter("replayed", r),
		reconnects:      gometrics.GetOrRegisterCounter("reconnects", r),
		heartbeatMisses: gometrics.GetOrRegisterCounter("heartbeat_misses", r),
		backlog:         gometrics.GetOrRegisterGauge("backlog", r),
		latency:         gometrics.GetOrRegisterTimer("latency", r),

		promSubmitted:  vm.GetOrCreateCounter("respmux_commands_submitted_total" + labels),
		promFailed:     vm.GetOrCreateCounter("respmux_commands_failed_total" + labels),
		promReconnects: vm.GetOrCreateCounter("respmux_reconnects_total" + labels),
		promLatency:    vm.GetOrCreateHistogram("respmux_command_duration_seconds" + labels),
	}
}

func (c *Collector) Submit() {
	c.submitted.Inc(1)
	c.promSubmitted.Inc()
}

// Complete records a finished command that was submitted at start.
func (c *Collector) Complete(start time.Time, err error) {
	c.latency.UpdateSince(start)
	c.promLatency.UpdateDuration(start)

	switch {
	case err == nil:
		c.completed.Inc(1)

	case errors.Is(err, command.ErrTimeout):
		c.timedOut.Inc(1)
		c.promFailed.Inc()

	default:
		var serr *command.ServerError
		if errors.As(err, &serr) {
			// The server answered, the command completed
			c.completed.Inc(1)
			return
		}
		c.failed.Inc(1)
		c.promFailed.Inc()
	}
}

func (c *Collector) Overflow() {
	c.overflowed.Inc(1)
}

func (c *Collector) Replay(n int) {
	c.replayed.Inc(int64(n))
}

func (c *Collector) Reconnect() {
	c.reconnects.Inc(1)
	c.promReconnects.Inc()
}

func (c *Collector) HeartbeatMiss() {
	c.heartbeatMisses.Inc(1)
}

// Backlog records the current backlog length.
func (c *Collector) Backlog(n int) {
	c.backlog.Update(int64(n))
}

func (c *Collector) Snapshot() Snapshot {
	latency := c.latency.Snapshot()

	return Snapshot{
		Submitted:       c.submitted.Count(),
		Completed:       c.completed.Count(),
		Failed:          c.failed.Count(),
		TimedOut:        c.timedOut.Count(),
		Overflowed:      c.overflowed.Count(),
		Replayed:        c.replayed.Count(),
		Reconnects:      c.reconnects.Count(),
		HeartbeatMisses: c.heartbeatMisses.Count(),
		Backlog:         c.backlog.Value(),
		MeanLatency:     time.Duration(latency.Mean()),
		P99Latency:      time.Duration(latency.Percentile(0.99)),
	}
}

// Registry exposes the underlying go-metrics registry, for reporters.
func (c *Collector) Registry() gometrics.Registry {
	return c.registry
}

// Close stops the collector's background meters.
func (c *Collector) Close() {
	c.registry.UnregisterAll()
}

// WritePrometheus writes every process wide series in the Prometheus text format.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}
