package router

import (
	"sync"
	"time"
)

// sequentialRingSize bounds the number of concurrently-tracked I/O streams
// a detector remembers, keyed by a hash of their tail sector (spec §4.4
// condition 6 "Sequential detector").
const sequentialRingSize = 128

// sequentialWindow is how long a stream's tail stays eligible to merge
// with the next bio before it is treated as a fresh, unrelated stream.
const sequentialWindow = 5 * time.Second

type sequentialEntry struct {
	tailSector uint64
	lastSeen   time.Time
	run        uint64 // accumulated sectors of this stream seen so far
}

// sequentialDetector is a small ring of recently-seen I/O stream tails,
// used to recognize long sequential runs and bypass the cache for them
// (spec §4.4: "maintain a ring of recent stream tails; a bio starting at a
// tracked tail within the merge window extends that run").
type sequentialDetector struct {
	mu   sync.Mutex
	ring [sequentialRingSize]sequentialEntry
}

// hit records one bio [startSector, startSector+length) and returns the
// accumulated run length of the stream it belongs to, after extending any
// matching tracked tail found within sequentialWindow.
func (d *sequentialDetector) hit(startSector uint64, length uint32) uint64 {
	idx := hashSector(startSector) % sequentialRingSize
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	run := uint64(length)
	if e := d.ring[idx]; e.tailSector == startSector && now.Sub(e.lastSeen) <= sequentialWindow {
		run += e.run
	}

	newIdx := hashSector(startSector+uint64(length)) % sequentialRingSize
	d.ring[newIdx] = sequentialEntry{tailSector: startSector + uint64(length), lastSeen: now, run: run}
	return run
}

// hashSector spreads sector numbers across the ring; this is the 64-bit
// MurmurHash3 finalizer, chosen only for its avalanche properties.
func hashSector(s uint64) uint64 {
	s ^= s >> 33
	s *= 0xff51afd7ed558ccd
	s ^= s >> 33
	s *= 0xc4ceb9fe1a85ec53
	s ^= s >> 33
	return s
}
