package alloc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
	"golang.org/x/sync/semaphore"
)

// OpenBucketPoolSize bounds the fleet-wide population of in-flight
// extent-append targets (spec §3 "Open bucket": "Bounded population (e.g.
// 256 across the fleet)").
const OpenBucketPoolSize = 256

// replica is one device-backed leg of an OpenBucket.
type replica struct {
	dev    *device.Device
	bucket uint32
}

// OpenBucket is a handle to an actively-written bucket-range, one leg per
// requested replica (spec §3 "Open bucket"). Lifetime: created by the Pool
// on demand, reference-counted by in-flight writes via pin, returned to
// the freelist when pin reaches zero and no sectors remain.
type OpenBucket struct {
	pin      atomic.Int32
	mu       sync.Mutex
	sectorsFree uint32
	replicas    []replica
	pool        *Pool
}

// SectorsFree reports how many sectors remain unwritten in this open
// bucket.
func (ob *OpenBucket) SectorsFree() uint32 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sectorsFree
}

// PinGet increments the pin count, keeping the bucket alive for an
// in-flight write.
func (ob *OpenBucket) PinGet() { ob.pin.Add(1) }

// Pool is the bounded fleet-wide collection of OpenBuckets, semaphore-gated
// at OpenBucketPoolSize the same way the teacher's BufferPoolImpl bounds
// its outstanding-buffer count (fuse/bufferpool.go).
type Pool struct {
	sem  *semaphore.Weighted
	wait WaitQueue
	set  *device.Set

	mu   sync.Mutex
	live map[*OpenBucket]struct{}
}

// NewPool constructs an empty Pool. set resolves each replica's Device to
// the stable index AppendPointers stores in an extent.Ptr (spec §6: an
// on-disk pointer identifies its device by that registry index, the same
// device.Set a writeback pipeline uses to resolve pointers back).
func NewPool(set *device.Set) *Pool {
	return &Pool{sem: semaphore.NewWeighted(OpenBucketPoolSize), live: map[*OpenBucket]struct{}{}, set: set}
}

// acquire reserves one pool slot, blocking (respecting ctx) if the fleet
// is already at OpenBucketPoolSize.
func (p *Pool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// release returns one pool slot, called once an OpenBucket's pin reaches
// zero and it has no sectors left (spec §4.1 bch_alloc_sectors_done).
func (p *Pool) release(ob *OpenBucket) {
	p.mu.Lock()
	delete(p.live, ob)
	p.mu.Unlock()
	p.sem.Release(1)
	p.wait.WakeAll()
}

// sectorsPerSegment is the per-replica sector span requested on each open
// bucket allocation, capped at the smallest replica bucket size; callers needing more call AllocSectorsStart again once
// an open bucket is exhausted.
const sectorsPerSegment = 256 // 128KiB at 512B sectors, spec's upper segment bound

// AllocSectorsStart implements bch_alloc_sectors_start (spec §4.1): if wp
// already holds an open bucket with free sectors, pin and return it;
// otherwise allocate one bucket per replica from allocators (respecting
// the write point's group/tier) and attach a new OpenBucket.
func (p *Pool) AllocSectorsStart(ctx context.Context, wp *WritePoint, allocs map[*device.Device]*Allocator, replicas int, reserve device.Reserve, blocking bool) (*OpenBucket, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.current != nil && wp.current.SectorsFree() > 0 {
		wp.current.PinGet()
		return wp.current, nil
	}

	if err := p.acquire(ctx); err != nil {
		if !blocking {
			return nil, errs.New(errs.NoSpace, "alloc.AllocSectorsStart")
		}
		return nil, errs.Wrap(errs.NoSpace, "alloc.AllocSectorsStart", err)
	}

	reps := make([]replica, 0, replicas)
	for i := 0; i < replicas; i++ {
		d := wp.deviceGroup.Next()
		if d == nil {
			p.sem.Release(1)
			if !blocking {
				return nil, errs.New(errs.NoSpace, "alloc.AllocSectorsStart")
			}
			return nil, errs.New(errs.Retry, "alloc.AllocSectorsStart")
		}
		a, ok := allocs[d]
		if !ok {
			p.sem.Release(1)
			return nil, errs.New(errs.NotFound, "alloc.AllocSectorsStart")
		}
		b, err := a.Alloc(ctx, reserve, blocking)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		d.Pin(b)
		reps = append(reps, replica{dev: d, bucket: b})
	}

	span := uint32(sectorsPerSegment)
	for _, r := range reps {
		if r.dev.BucketSize < span {
			span = r.dev.BucketSize
		}
	}
	ob := &OpenBucket{replicas: reps, pool: p, sectorsFree: span}
	ob.PinGet()

	p.mu.Lock()
	p.live[ob] = struct{}{}
	p.mu.Unlock()

	wp.current = ob
	return ob, nil
}

// ReplicaTarget is one replica leg's current write address, read without
// mutating any state so a caller can issue the actual device write (spec
// §4.5 step (c)) before recording the pointer via AppendPointer/
// AppendPointers.
type ReplicaTarget struct {
	Device *device.Device
	Bucket uint32
	Sector uint64
}

// ReplicaTargets returns the current write address for every replica leg
// of ob.
func (ob *OpenBucket) ReplicaTargets() []ReplicaTarget {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	out := make([]ReplicaTarget, len(ob.replicas))
	for i, r := range ob.replicas {
		off := uint64(r.bucket)*uint64(r.dev.BucketSize) + uint64(r.dev.BucketSize-ob.sectorsFree)
		out[i] = ReplicaTarget{Device: r.dev, Bucket: r.bucket, Sector: off}
	}
	return out
}

// AppendPointer implements bch_alloc_sectors_append_ptrs for a single
// replica leg: records idx's pointer tuple into the extent being built
// and marks its sectors written. Used by the write pipeline when not
// every replica's device write succeeded (spec §4.5 replica-failure
// tolerance), one call per surviving replica; ConsumeSectors then
// advances the shared free-sector count once for the whole segment.
func AppendPointer(pool *Pool, ob *OpenBucket, idx int, sectors uint32, cached bool, csum device.ChecksumType) extent.Ptr {
	ob.mu.Lock()
	r := &ob.replicas[idx]
	off := uint64(r.bucket)*uint64(r.dev.BucketSize) + uint64(r.dev.BucketSize-ob.sectorsFree)
	ptr := extent.Ptr{
		DeviceIdx:   pool.set.IndexOf(r.dev),
		Sector:      off,
		Generation:  r.dev.Generation(r.bucket),
		Checksum:    csum,
		Compression: device.CompressionNone,
		Cached:      cached,
	}
	ob.mu.Unlock()
	r.dev.MarkWritten(r.bucket, sectors, cached, false)
	return ptr
}

// ConsumeSectors advances ob's shared sectors-free counter by sectors,
// independent of any single replica's write outcome: a replica whose
// write failed still retires the same sector range as its siblings, it
// is simply never pointed to (its bucket's wasted slot is reclaimed at
// the next generation bump like any other dead space).
func (ob *OpenBucket) ConsumeSectors(sectors uint32) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if sectors >= ob.sectorsFree {
		ob.sectorsFree = 0
	} else {
		ob.sectorsFree -= sectors
	}
}

// AppendPointers implements bch_alloc_sectors_append_ptrs: writes one
// pointer tuple per replica into the extent being built and advances the
// open bucket's free-sector count. The pool's device.Set resolves each
// replica to the stable index stored in the returned pointers. This is
// the all-replicas-succeeded fast path; see AppendPointer for the
// partial-failure case.
func AppendPointers(pool *Pool, ob *OpenBucket, sectors uint32, cached bool, csum device.ChecksumType) []extent.Ptr {
	n := len(ob.replicas)
	ptrs := make([]extent.Ptr, n)
	for i := 0; i < n; i++ {
		ptrs[i] = AppendPointer(pool, ob, i, sectors, cached, csum)
	}
	ob.ConsumeSectors(sectors)
	return ptrs
}

// Done implements bch_alloc_sectors_done: decrements the pin and, if it
// reaches zero and no sectors remain, returns every replica bucket to
// device ownership (OPEN -> DIRTY or CACHED) and releases the pool slot.
func Done(ob *OpenBucket, cached bool) {
	if ob.pin.Add(-1) > 0 {
		return
	}
	if ob.SectorsFree() > 0 {
		return
	}
	for _, r := range ob.replicas {
		r.dev.FinishOpen(r.bucket, cached, false)
		r.dev.Unpin(r.bucket)
	}
	ob.pool.release(ob)
}
