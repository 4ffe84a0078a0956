package alloc

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/metrics"
)

// lowWaterMark is the reserve floor the allocator worker tries to keep
// each fifo above before spilling into a lower-priority reserve (spec §8
// universal invariant 4).
var lowWaterMark = [...]int{
	device.ReservePrio:    8,
	device.ReserveBtree:   8,
	device.ReserveMovingGC: 8,
	device.ReserveNone:    0,
}

// freeIncCapacity bounds the per-device invalidate queue (spec §4.1 step 2:
// "When free_inc is full, block until a free-fifo has space").
const freeIncCapacity = 64

// Allocator runs the per-device free-list pipeline: reclaim selection,
// invalidate-queue draining, discard, and reserve placement (spec §4.1,
// "Free-list pipeline").
type Allocator struct {
	dev  *device.Device
	log  bcachelog.Logger
	mets *metrics.Set

	freelistWait WaitQueue
}

// New constructs an Allocator for one device.
func New(dev *device.Device, log bcachelog.Logger, mets *metrics.Set) *Allocator {
	return &Allocator{dev: dev, log: log, mets: mets}
}

// Run executes the perpetual allocator worker loop (spec §4.1 steps 1-4)
// until ctx is cancelled. Intended to be launched as one goroutine per
// device, e.g. fanned out with golang.org/x/sync/errgroup from cmd/bcached.
func (a *Allocator) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick performs one pass of reclaim-select -> invalidate -> discard ->
// reserve-placement -> signal.
func (a *Allocator) tick() {
	a.reclaimInto()
	a.drainInvalidated()
}

// reclaimInto selects reclaim candidates by the device's configured
// replacement policy and appends them to the invalidate queue, stopping
// when the queue is full (step 2).
func (a *Allocator) reclaimInto() {
	candidates := a.selectCandidates()
	for _, b := range candidates {
		if err := a.dev.Invalidate(b, freeIncCapacity); err != nil {
			return // queue full; resume next tick
		}
	}
}

// selectCandidates enumerates eligible reclaim buckets ordered by the
// device's replacement policy. This is O(nbuckets) per tick; a production
// engine would maintain an incrementally-updated heap, but the spec only
// requires the ordering, not an implementation strategy.
func (a *Allocator) selectCandidates() []uint32 {
	var elig []uint32
	for b := a.dev.FirstBucket; b < a.dev.NBuckets; b++ {
		if a.dev.EligibleForReclaim(b) {
			elig = append(elig, b)
		}
	}
	switch a.dev.Replacement {
	case device.ReplacementLRU:
		sort.Slice(elig, func(i, j int) bool {
			return a.dev.ReadClock().Age(a.dev.ReadPrio(elig[i])) > a.dev.ReadClock().Age(a.dev.ReadPrio(elig[j]))
		})
	case device.ReplacementFIFO:
		// elig is already produced in ascending bucket-index order,
		// which for a device that only ever allocates upward is FIFO.
	case device.ReplacementRandom:
		rand.Shuffle(len(elig), func(i, j int) { elig[i], elig[j] = elig[j], elig[i] })
	}
	return elig
}

// drainInvalidated pops buckets off the invalidate queue, discards them,
// and pushes them onto the highest-priority reserve under its low-water
// mark, falling back to ReserveNone (step 3), then wakes parked
// allocation requests (step 4).
func (a *Allocator) drainInvalidated() {
	woke := false
	for {
		b, ok := a.dev.PopInvalidated()
		if !ok {
			break
		}
		if err := a.dev.Backend.Discard(context.Background(), uint64(b)*uint64(a.dev.BucketSize), a.dev.BucketSize); err != nil {
			a.log.Printf("alloc: discard bucket %d on %s failed (non-fatal): %v", b, a.dev.Path, err)
		}
		target := device.ReserveNone
		for r := device.ReservePrio; r < device.ReserveNone; r++ {
			if a.dev.FreeLen(r) < lowWaterMark[r] {
				target = r
				break
			}
		}
		a.dev.PushFree(b, target)
		woke = true
	}
	if woke {
		a.freelistWait.WakeAll()
	}
}

// Alloc implements bch_bucket_alloc: pop a bucket from reserve, or from
// the higher-priority reserves the caller is entitled to drain. If
// blocking is set and none is available, it parks on the freelist wait
// queue until one arrives or ctx is done; otherwise it returns NoSpace
// immediately.
func (a *Allocator) Alloc(ctx context.Context, reserve device.Reserve, blocking bool) (uint32, error) {
	for {
		if b, ok := a.dev.PopFree(reserve); ok {
			return b, nil
		}
		if !blocking {
			return 0, errs.New(errs.NoSpace, "alloc.Alloc")
		}
		wake := a.freelistWait.Park()
		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return 0, errs.Wrap(errs.NoSpace, "alloc.Alloc", ctx.Err())
		}
	}
}

// RecalcCapacity implements bch_recalc_capacity: the summed capacity of
// the tier-0 devices among devices, each minus the metadata reserve, in
// sectors. Non-tier-0 devices contribute zero per spec §4.1.
func RecalcCapacity(devices []*device.Device, metadataReserveBuckets uint32) uint64 {
	var total uint64
	for _, d := range devices {
		if d.Tier != 0 {
			continue
		}
		total += d.Capacity(metadataReserveBuckets)
	}
	return total
}
