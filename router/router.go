package router

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/btree"
	"github.com/blockcache/bcached/config"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/extent"
	"github.com/blockcache/bcached/metrics"
	"github.com/blockcache/bcached/writeback"
)

// Router is the request-routing front door (spec §4.4, component H): it
// turns each Bio into a bypass, cache-hit, cache-miss, or writeback
// decision and drives the extents tree and write pipeline accordingly.
type Router struct {
	Tree     *btree.Tree
	Pipeline *writeback.Pipeline
	Set      *device.Set
	Metrics  *metrics.Set
	Log      bcachelog.Logger

	// Promote enables best-effort cache-fill of read misses (spec §9 Open
	// Question (a): "an implementation may elide promote-on-read-miss
	// entirely"; this one includes it, but never blocks a caller on it).
	Promote bool

	MetadataReserveBuckets uint32

	mu      sync.Mutex
	latency map[int]*ewma
}

// ewma is a simple exponentially-weighted moving average, used to rank
// cache devices by recent read latency when more than one live pointer
// exists for an extent (spec §4.4 "prefer tier-0, then lowest EWMA
// latency").
type ewma struct {
	mu    sync.Mutex
	value float64
	ready bool
}

const ewmaAlpha = 0.2

func (e *ewma) observe(sampleMS float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		e.value = sampleMS
		e.ready = true
		return
	}
	e.value = ewmaAlpha*sampleMS + (1-ewmaAlpha)*e.value
}

func (e *ewma) get() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return 0
	}
	return e.value
}

func (r *Router) latencyFor(deviceIdx int) *ewma {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latency == nil {
		r.latency = map[int]*ewma{}
	}
	e, ok := r.latency[deviceIdx]
	if !ok {
		e = &ewma{}
		r.latency[deviceIdx] = e
	}
	return e
}

// MakeRequest is the router's single entry point (spec §4.4's
// "make_request"): it resolves bypass, then dispatches to the read or
// write path.
func (r *Router) MakeRequest(ctx context.Context, cd *CachedDevice, inode uint64, bio Bio) error {
	if bio.Length == 0 && bio.Flags.Has(FlagPreflush) {
		return cd.Backend.Flush(ctx)
	}

	available, capacity := r.availableCapacity()
	bypass := cd.Bypass(bio, available, capacity)

	if bio.Write {
		return r.writePath(ctx, cd, inode, bio, bypass)
	}
	return r.readPath(ctx, cd, inode, bio, bypass)
}

// availableCapacity sums tier-0 free sectors across every reserve
// watermark against the fleet's usable capacity, feeding bypass condition
// 2 (the near-full cache-add cutoff).
func (r *Router) availableCapacity() (available, capacity uint64) {
	devices := r.Set.All()
	capacity = alloc.RecalcCapacity(devices, r.MetadataReserveBuckets)
	for _, d := range devices {
		if d.Tier != 0 {
			continue
		}
		for res := device.ReservePrio; res <= device.ReserveNone; res++ {
			available += uint64(d.FreeLen(res)) * uint64(d.BucketSize)
		}
	}
	return available, capacity
}

// choosePointer picks one live pointer from an extent's replica set,
// preferring the lowest device tier, then the lowest observed read
// latency (spec §4.4).
func (r *Router) choosePointer(ptrs []extent.Ptr) (extent.Ptr, *device.Device) {
	var best extent.Ptr
	var bestDev *device.Device
	bestTier := math.MaxInt32
	bestLatency := math.Inf(1)

	for _, p := range ptrs {
		d := r.Set.ByIndex(p.DeviceIdx)
		if d == nil {
			continue
		}
		if err := d.CheckGeneration(p.Bucket(d), p.Generation); err != nil {
			continue
		}
		lat := r.latencyFor(p.DeviceIdx).get()
		if d.Tier < bestTier || (d.Tier == bestTier && lat < bestLatency) {
			bestTier, bestLatency = d.Tier, lat
			best, bestDev = p, d
		}
	}
	return best, bestDev
}

// readPath implements spec §4.4's read path: bypass straight to the
// backing device, or walk the extents tree hole-aware, serving hits from
// the chosen cache device and misses (and stale hits) from the backing
// device.
func (r *Router) readPath(ctx context.Context, cd *CachedDevice, inode uint64, bio Bio, bypass bool) error {
	if bypass {
		r.Metrics.SectorsBypassed.Add(uint64(bio.Length))
		return cd.Backend.ReadAt(ctx, bio.Sector, bio.Data)
	}

	start := bio.byteOffset()
	end := start + bio.byteLength()

	it := r.Tree.NewIter(extent.Key{Inode: inode, Offset: start}, 0)
	defer it.Close()

	for pos := start; pos < end; {
		it.SetPos(extent.Key{Inode: inode, Offset: pos})
		k, v, err := it.PeekWithHoles(end)
		if err != nil {
			return err
		}
		// Drop the leaf lock before the miss path inserts into the same
		// tree; the next PeekWithHoles traverses again.
		it.CondResched()
		segEnd := k.End()
		if segEnd > end {
			segEnd = end
		}
		if segEnd <= pos {
			segEnd = pos + 1 // a zero-length synthesized hole must not stall the loop
		}
		n := segEnd - pos

		isExtent := v.Type == extent.KeyTypeExtent
		if isExtent && v.HasLivePointer(r.Set.All()) {
			if err := r.readHit(ctx, cd, v.Ptrs, bio, pos, n); err != nil {
				return err
			}
		} else {
			if isExtent {
				// Every pointer failed its generation check: a stale hit
				// (spec §4.4 condition "stale hit: re-peek"). Since the
				// hole-aware peek already re-resolved to the current tree
				// state, this segment falls straight through as a miss.
				r.Metrics.CacheReadRaces.Add(1)
			} else {
				r.Metrics.CacheMisses.Add(1)
				if r.Promote {
					_ = r.Pipeline.InsertCheckKey(ctx, inode, pos, n)
				}
			}
			if err := cd.Backend.ReadAt(ctx, sectorsOf(pos), bio.slice(pos, n)); err != nil {
				return err
			}
			if r.Promote && !isExtent {
				go r.promote(inode, pos, append([]byte(nil), bio.slice(pos, n)...), cd)
			}
		}
		pos = segEnd
	}
	return nil
}

// readHit serves [pos, pos+n) from the chosen cache device, retrying from
// the backing device on a cache read error (spec §4.4 "recoverable cache
// read errors fall back to the backing device").
func (r *Router) readHit(ctx context.Context, cd *CachedDevice, ptrs []extent.Ptr, bio Bio, pos, n uint64) error {
	ptr, dev := r.choosePointer(ptrs)
	if dev == nil {
		r.Metrics.CacheMisses.Add(1)
		return cd.Backend.ReadAt(ctx, sectorsOf(pos), bio.slice(pos, n))
	}

	t0 := time.Now()
	err := dev.Backend.ReadAt(ctx, ptr.Sector, bio.slice(pos, n))
	r.latencyFor(ptr.DeviceIdx).observe(float64(time.Since(t0).Microseconds()) / 1000)

	if err != nil {
		if r.Log != nil {
			r.Log.Printf("router: cache read failed, falling back to backing device: %v", err)
		}
		return cd.Backend.ReadAt(ctx, sectorsOf(pos), bio.slice(pos, n))
	}

	dev.SetReadPrio(ptr.Bucket(dev), dev.ReadClock().Hand())
	dev.ReadClock().Increment(uint32(n))
	r.Metrics.CacheHits.Add(1)
	return nil
}

// promote best-effort inserts a just-read backing-device range into the
// cache. Failures are logged, never surfaced: a failed promotion must
// never fail the read that triggered it.
func (r *Router) promote(inode, offset uint64, data []byte, cd *CachedDevice) {
	_, err := r.Pipeline.Write(context.Background(), inode, offset, data, cd.WritePoint, cd.Replicas, cd.RequiredReplicas, device.ReserveNone, writeback.FlagCached|writeback.FlagAllocNowait)
	if err != nil && r.Log != nil {
		r.Log.Printf("router: best-effort promotion of inode %d offset %d failed (ignored): %v", inode, offset, err)
	}
}

// writePath implements spec §4.4's write path: bypass/discard straight to
// the backing device (still invalidating any cached copy), or writeback
// (cache now, copy back later) vs. writethrough (cache and backing device
// concurrently) per cd.Mode.
func (r *Router) writePath(ctx context.Context, cd *CachedDevice, inode uint64, bio Bio, bypass bool) error {
	start := bio.byteOffset()
	end := start + bio.byteLength()

	// A write overlapping an already-dirty range must itself go through
	// the cache so the writeback worker's later copy-back stays coherent
	// with what the backing device now holds (spec §4.4: "a write
	// overlapping the writeback queue forces writeback=true").
	forceWriteback := false
	if cd.overlapsWriteback(inode, start, end) {
		bypass = false
		forceWriteback = true
	}

	if bypass || bio.Flags.Has(FlagDiscard) {
		return r.writeBypass(ctx, cd, inode, bio, start, end)
	}

	switch {
	case cd.Mode == config.ModeWriteback || forceWriteback:
		return r.writeBack(ctx, cd, inode, bio, start, end)
	default: // writethrough
		return r.writeThrough(ctx, cd, inode, bio, start, end)
	}
}

// writeBypass writes straight to the backing device and invalidates any
// cached copy of the range, per spec §4.4: a bypassed write (or an
// explicit DISCARD) must not leave a stale cached extent behind.
func (r *Router) writeBypass(ctx context.Context, cd *CachedDevice, inode uint64, bio Bio, start, end uint64) error {
	r.Metrics.SectorsBypassed.Add(uint64(bio.Length))

	var err error
	if bio.Flags.Has(FlagDiscard) {
		err = cd.Backend.Discard(ctx, bio.Sector, bio.Length)
	} else {
		err = cd.Backend.WriteAt(ctx, bio.Sector, bio.Data)
	}
	if derr := r.Pipeline.Discard(ctx, inode, start, end-start); derr != nil && err == nil {
		err = derr
	}
	if err == nil && (bio.Flags.Has(FlagPreflush) || bio.Flags.Has(FlagFUA)) {
		err = cd.Backend.Flush(ctx)
	}
	return err
}

// writeBack implements CACHE_MODE_WRITEBACK: the write lands only in the
// cache, marked dirty, and is copied back to the backing device later by
// WritebackWorker. FLUSH/FUA force the journal write durable before
// returning (spec §5 "Ordering guarantees").
func (r *Router) writeBack(ctx context.Context, cd *CachedDevice, inode uint64, bio Bio, start, end uint64) error {
	cd.markDirty(inode, start, end)

	flags := writeback.Flags(0)
	if bio.Flags.Has(FlagPreflush) || bio.Flags.Has(FlagFUA) {
		flags |= writeback.FlagFlush
	}
	_, err := r.Pipeline.Write(ctx, inode, start, bio.Data, cd.WritePoint, cd.Replicas, cd.RequiredReplicas, cd.Reserve, flags)
	if err != nil {
		cd.clearDirty(inode, start, end)
		return err
	}
	r.Metrics.SectorsWritten.Add(uint64(bio.Length))
	return nil
}

// writeThrough implements CACHE_MODE_WRITETHROUGH: the write lands on the
// backing device and the cache concurrently, as a clean (non-dirty) copy.
func (r *Router) writeThrough(ctx context.Context, cd *CachedDevice, inode uint64, bio Bio, start, end uint64) error {
	var backingErr, cacheErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		backingErr = cd.Backend.WriteAt(ctx, bio.Sector, bio.Data)
	}()
	go func() {
		defer wg.Done()
		flags := writeback.FlagCached
		if bio.Flags.Has(FlagPreflush) || bio.Flags.Has(FlagFUA) {
			flags |= writeback.FlagFlush
		}
		_, cacheErr = r.Pipeline.Write(ctx, inode, start, bio.Data, cd.WritePoint, cd.Replicas, cd.RequiredReplicas, cd.Reserve, flags)
	}()
	wg.Wait()

	if backingErr != nil {
		return backingErr
	}
	if cacheErr != nil && r.Log != nil {
		r.Log.Printf("router: writethrough cache copy failed (backing device write still succeeded): %v", cacheErr)
	}
	r.Metrics.SectorsWritten.Add(uint64(bio.Length))
	return nil
}

// WritebackWorker drains cd's dirty ranges by copying each one's currently
// cached bytes to the backing device and converting it to clean, until ctx
// is cancelled. Intended to run as one goroutine per writeback-mode cached
// device (spec §4.4: "a separate writeback worker later copies dirty
// extents to the backing device and converts them to clean").
func (r *Router) WritebackWorker(ctx context.Context, cd *CachedDevice) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drainOneDirtyRange(ctx, cd)
		}
	}
}

func (r *Router) drainOneDirtyRange(ctx context.Context, cd *CachedDevice) {
	rng, ok := cd.firstDirty()
	if !ok {
		return
	}

	it := r.Tree.NewIter(extent.Key{Inode: rng.inode, Offset: rng.start}, 0)
	k, v, ok, err := it.Peek()
	it.Close() // release the leaf before k is re-inserted below
	if err != nil || !ok || v.Type != extent.KeyTypeExtent || !v.Dirty {
		cd.clearDirty(rng.inode, rng.start, rng.end)
		return
	}

	ptr, dev := r.choosePointer(v.Ptrs)
	if dev == nil {
		return
	}
	buf := make([]byte, rng.end-rng.start)
	if err := dev.Backend.ReadAt(ctx, ptr.Sector, buf); err != nil {
		if r.Log != nil {
			r.Log.Printf("router: writeback read of inode %d failed: %v", rng.inode, err)
		}
		return
	}
	if err := cd.Backend.WriteAt(ctx, sectorsOf(rng.start), buf); err != nil {
		if r.Log != nil {
			r.Log.Printf("router: writeback to backing device failed for inode %d: %v", rng.inode, err)
		}
		return
	}

	v.Dirty = false
	wit := r.Tree.NewIter(k, 0)
	_, _ = r.Tree.Insert(wit, k, v, r.Pipeline.Journal)
	wit.Close()

	cd.clearDirty(rng.inode, rng.start, rng.end)
}
