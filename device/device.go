// Package device models one backing block device: its immutable geometry,
// its per-bucket state table, and the priority clocks used to age buckets
// for reclaim. It is the leaf dependency of the bucket allocator (spec
// component A, "Bucket state table").
package device

import (
	"sync"

	"github.com/google/uuid"

	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/errs"
)

// bucketRecord is the mutable per-bucket state. Sum of the three sector
// counts must never exceed BucketSize (spec invariant 1).
type bucketRecord struct {
	state         BucketState
	generation    uint16
	dirtySectors  uint16
	cachedSectors uint16
	metaSectors   uint16
	readPrio      uint16
	writePrio     uint16
	pinned        bool // referenced by a live open bucket
	markSweep     bool // set by the configured gc walk, cleared after
}

// Device is one backing block device. Bucket geometry fields are
// immutable after construction; the per-bucket array and free-fifos are
// guarded by mu (spec's "bucket_lock").
type Device struct {
	UUID            uuid.UUID
	Path            string
	Tier            int
	BucketSize      uint32 // power-of-two sectors
	NBuckets        uint32
	FirstBucket     uint32
	Replacement     ReplacementPolicy
	DiscardSupport  bool
	ChecksumType    ChecksumType
	Backend         Backend

	log bcachelog.Logger

	mu      sync.Mutex
	state   MemberState
	refs    int
	buckets []bucketRecord

	freeInc []uint32            // invalidate queue, not yet discarded
	free    [numReserves][]uint32

	readClock  PriorityClock
	writeClock PriorityClock
}

// New constructs a Device with every bucket FREE.
func New(path string, tier int, bucketSize, nBuckets, firstBucket uint32, replacement ReplacementPolicy, discard bool, backend Backend, log bcachelog.Logger) *Device {
	if bucketSize == 0 || bucketSize&(bucketSize-1) != 0 {
		panic("device: bucket size must be a power of two sectors")
	}
	d := &Device{
		UUID:           uuid.New(),
		Path:           path,
		Tier:           tier,
		BucketSize:     bucketSize,
		NBuckets:       nBuckets,
		FirstBucket:    firstBucket,
		Replacement:    replacement,
		DiscardSupport: discard,
		Backend:        backend,
		log:            log,
		state:          MemberActive,
		buckets:        make([]bucketRecord, nBuckets),
	}
	for i := firstBucket; i < nBuckets; i++ {
		d.free[ReserveNone] = append(d.free[ReserveNone], i)
	}
	return d
}

// Nbuckets returns the number of allocatable buckets (excluding the
// reserved head of the device).
func (d *Device) Nbuckets() uint32 { return d.NBuckets - d.FirstBucket }

// State returns bucket b's current state.
func (d *Device) State(b uint32) BucketState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buckets[b].state
}

// Generation returns bucket b's current generation counter.
func (d *Device) Generation(b uint32) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buckets[b].generation
}

// CheckGeneration implements spec invariant 2: an extent pointer is stale
// if its recorded generation no longer matches the bucket's.
func (d *Device) CheckGeneration(b uint32, gen uint16) error {
	d.mu.Lock()
	cur := d.buckets[b].generation
	d.mu.Unlock()
	if cur != gen {
		return errs.New(errs.Stale, "device.CheckGeneration")
	}
	return nil
}

// sectorsUsed returns the total live sector count for bucket b. Must be
// called with mu held.
func (d *Device) sectorsUsed(b uint32) uint32 {
	r := &d.buckets[b]
	return uint32(r.dirtySectors) + uint32(r.cachedSectors) + uint32(r.metaSectors)
}

// markOpen transitions bucket b from FREE to OPEN. Must be called with mu
// held; caller has already popped b from a free fifo.
func (d *Device) markOpen(b uint32) {
	r := &d.buckets[b]
	r.state = Open
}

// MarkWritten records newSectors sectors of the given kind landing in
// bucket b while it is OPEN, panicking if the bucket's sector counts would
// exceed BucketSize. It does not change the bucket's state; FinishOpen
// moves it out of OPEN.
func (d *Device) MarkWritten(b uint32, newSectors uint32, cached bool, meta bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &d.buckets[b]
	switch {
	case meta:
		r.metaSectors += uint16(newSectors)
	case cached:
		r.cachedSectors += uint16(newSectors)
	default:
		r.dirtySectors += uint16(newSectors)
	}
	if d.sectorsUsed(b) > d.BucketSize {
		panic("device: bucket sector accounting exceeded bucket size")
	}
}

// FinishOpen moves bucket b from OPEN to DIRTY/CACHED/META once its open
// bucket has pinned down to zero and no sectors remain free (spec
// §4.1 bch_alloc_sectors_done).
func (d *Device) FinishOpen(b uint32, cached, meta bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &d.buckets[b]
	switch {
	case meta:
		r.state = Meta
	case cached:
		r.state = Cached
	default:
		r.state = Dirty
	}
}

// Invalidate bumps bucket b's generation (every transition out of use
// bumps it; stale pointers are then detected by mismatch) and enqueues it
// on the invalidate queue for eventual discard+free.
//
// Returns errs.Busy if freeInc is full; callers must drain free fifos
// first.
func (d *Device) Invalidate(b uint32, cap int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.freeInc) >= cap {
		return errs.New(errs.Busy, "device.Invalidate")
	}
	r := &d.buckets[b]
	r.generation++
	r.dirtySectors, r.cachedSectors, r.metaSectors = 0, 0, 0
	r.pinned = false
	d.freeInc = append(d.freeInc, b)
	return nil
}

// PopInvalidated removes and returns one bucket from the invalidate queue,
// or false if empty.
func (d *Device) PopInvalidated() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.freeInc) == 0 {
		return 0, false
	}
	b := d.freeInc[0]
	d.freeInc = d.freeInc[1:]
	return b, true
}

// PushFree places bucket b on reserve r's free fifo.
func (d *Device) PushFree(b uint32, r Reserve) {
	d.mu.Lock()
	d.buckets[b].state = Free
	d.free[r] = append(d.free[r], b)
	d.mu.Unlock()
}

// FreeLen reports the length of reserve r's free fifo, used to test the
// reserve-floor invariant and low-water-mark placement.
func (d *Device) FreeLen(r Reserve) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.free[r])
}

// PopFree pops a bucket from reserve r's fifo, draining from higher
// priority reserves the caller is entitled to if r's own fifo is empty.
// Higher priority means lower Reserve value.
func (d *Device) PopFree(r Reserve) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cand := r; cand >= ReservePrio; cand-- {
		if len(d.free[cand]) > 0 {
			b := d.free[cand][0]
			d.free[cand] = d.free[cand][1:]
			d.markOpen(b)
			return b, true
		}
	}
	return 0, false
}

// EligibleForReclaim reports whether bucket b is a legal reclaim candidate
// per spec §4.1 step 1: CACHED, pin==0, and not held by an open bucket.
func (d *Device) EligibleForReclaim(b uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &d.buckets[b]
	return r.state == Cached && !r.pinned
}

// Pin marks bucket b as referenced by a live open bucket (blocks reclaim).
func (d *Device) Pin(b uint32)   { d.mu.Lock(); d.buckets[b].pinned = true; d.mu.Unlock() }
func (d *Device) Unpin(b uint32) { d.mu.Lock(); d.buckets[b].pinned = false; d.mu.Unlock() }

// SetReadPrio stamps bucket b's read-priority to the current hand value,
// used on every cache hit to mark the bucket as recently touched.
func (d *Device) SetReadPrio(b uint32, hand uint16) {
	d.mu.Lock()
	d.buckets[b].readPrio = hand
	d.mu.Unlock()
}

// ReadPrio returns bucket b's read priority, used by the allocator's
// age-ordered (hand - prio) reclaim sort.
func (d *Device) ReadPrio(b uint32) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buckets[b].readPrio
}

// ReadClock returns the device's read-side priority clock.
func (d *Device) ReadClock() *PriorityClock { return &d.readClock }

// WriteClock returns the device's write-side priority clock.
func (d *Device) WriteClock() *PriorityClock { return &d.writeClock }

// Online reports whether the device currently accepts I/O.
func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs > 0 && d.state == MemberActive
}

// Get increments the device's use refcount.
func (d *Device) Get() { d.mu.Lock(); d.refs++; d.mu.Unlock() }

// Put decrements the device's use refcount.
func (d *Device) Put() { d.mu.Lock(); d.refs--; d.mu.Unlock() }

// Capacity returns this device's contribution to whole-set capacity:
// (nbuckets - first_bucket - reserved) * bucket_size, per spec §4.1
// "Capacity and priorities". reservedBuckets is the small metadata
// reserve, subtracted from this device's bucket count.
func (d *Device) Capacity(reservedBuckets uint32) uint64 {
	n := d.NBuckets - d.FirstBucket
	if reservedBuckets >= n {
		return 0
	}
	return uint64(n-reservedBuckets) * uint64(d.BucketSize)
}
