package device

import "sync"

// PriorityClock is a per-device monotonic counter of bytes transferred,
// used to age buckets for reclaim (spec §4.1 "Capacity and priorities").
// bch_increment_clock advances hand by one tick per ~512 bytes. Increment
// does not rescale on overflow; Rescale halves only the hand and the
// recorded minimum priority, and the per-bucket priorities stored on the
// Device are left unchanged.
type PriorityClock struct {
	mu      sync.Mutex
	hand    uint16
	minPrio uint16
	accum   uint32 // bytes accumulated since the last tick
}

const clockTickBytes = 512

// Increment advances the clock by n bytes of I/O; returns true if the hand
// ticked over (callers use this to decide whether a rescale is due).
func (c *PriorityClock) Increment(n uint32) (ticked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accum += n
	for c.accum >= clockTickBytes {
		c.accum -= clockTickBytes
		c.hand++
		ticked = true
		if c.hand == 0 {
			// wrapped: rescale is the caller's responsibility, signalled
			// by ticked alone being insufficient, so expose Hand()==0.
		}
	}
	return ticked
}

// Hand returns the clock's current value.
func (c *PriorityClock) Hand() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hand
}

// Rescale halves the clock hand and the recorded minimum priority,
// preventing the (hand - prio) age metric from losing resolution once the
// hand has wrapped many times.
func (c *PriorityClock) Rescale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hand /= 2
	c.minPrio /= 2
}

// Age returns how long ago (in clock ticks) a bucket with the given stored
// priority was last touched: hand - prio, the allocator's reclaim sort
// key. Larger is older.
func (c *PriorityClock) Age(prio uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hand - prio
}
