package bridge_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respmux/bridge"
)

var _ = Describe("Backoff()", func() {
	min, max := 100*time.Millisecond, 2*time.Second

	within := func(d time.Duration) (time.Duration, time.Duration) {
		return d - d/10, d + d/10
	}

	It("is zero before the first attempt", func() {
		Expect(bridge.Backoff(0, min, max)).To(BeZero())
	})

	It("doubles per attempt with jitter", func() {
		for n, base := range map[int]time.Duration{
			1: 100 * time.Millisecond,
			2: 200 * time.Millisecond,
			3: 400 * time.Millisecond,
			4: 800 * time.Millisecond,
		} {
			lo, hi := within(base)
			for i := 0; i < 50; i++ {
				Expect(bridge.Backoff(n, min, max)).To(BeNumerically("~", lo+(hi-lo)/2, (hi-lo)/2))
			}
		}
	})

	It("is capped at the maximum", func() {
		lo, hi := within(max)
		for i := 0; i < 50; i++ {
			d := bridge.Backoff(30, min, max)
			Expect(d).To(BeNumerically(">=", lo))
			Expect(d).To(BeNumerically("<=", hi))
		}
	})
})
