package client

import (
	"time"
)

// heartbeatLoop pings every bridge, sentinels included, from one ticker.
func (m *Multiplexer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case now := <-ticker.C:
			for _, b := range m.tracker.Bridges() {
				b.OnHeartbeat(now)
			}
		}
	}
}
