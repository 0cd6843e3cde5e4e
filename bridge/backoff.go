package bridge

import (
	"time"

	"github.com/valyala/fastrand"
)

// Backoff returns the delay before reconnect attempt n, counting from 1. It
// doubles from min up to max and is spread by up to 10% either way so that
// clients dropped together don't reconnect together.
func Backoff(n int, min, max time.Duration) time.Duration {
	if n < 1 {
		return 0
	}

	d := min
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}

	if d > max {
		d = max
	}

	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}

	// fastrand.Uint32n wants a uint32 bound
	if spread > int64(^uint32(0)) {
		spread = int64(^uint32(0))
	}

	jitter := int64(fastrand.Uint32n(uint32(spread))) - spread/2

	return d + time.Duration(jitter)
}
