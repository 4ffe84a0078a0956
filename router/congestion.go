package router

import (
	"math/rand"
	"sync"
	"time"
)

// congestedMax caps the congestion level isCongested dithers against,
// mirroring spec §4.4's "CONGESTED_MAX" ceiling on the soft congestion
// signal.
const congestedMax = 1024

// congestionState tracks one direction's (read or write) congestion signal
// for a cached device: a stall counter plus the time of the last stall.
type congestionState struct {
	mu          sync.Mutex
	counter     int64
	lastStallAt time.Time
}

// noteStall records an I/O completing slowly enough to count as a stall,
// the way the device's completion path would bump its congestion counter.
func (c *congestionState) noteStall() {
	c.mu.Lock()
	c.counter++
	c.lastStallAt = time.Now()
	c.mu.Unlock()
}

// isCongested implements spec §4.4's dithered congestion bypass condition:
// a level derived from thresholdMS minus time elapsed since the last
// stall, plus any still-outstanding stall count, compared against a
// random draw so congestion fades probabilistically rather than as a hard
// cutoff. Returns false outright when thresholdMS<=0 (tracking disabled).
func (c *congestionState) isCongested(thresholdMS int) bool {
	if thresholdMS <= 0 {
		return false
	}
	c.mu.Lock()
	elapsedMS := time.Since(c.lastStallAt).Milliseconds()
	counter := c.counter
	c.mu.Unlock()

	level := int64(thresholdMS) - elapsedMS + counter
	if level <= 0 {
		return false
	}
	if level > congestedMax {
		level = congestedMax
	}
	return rand.Int63n(congestedMax) < level
}
