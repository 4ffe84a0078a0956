package router

import (
	"math/rand"
	"sync"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/config"
	"github.com/blockcache/bcached/device"
)

// dirtyRange is one outstanding writeback-pending byte range for a single
// inode, tracked while a writeback-mode write is dirty in the cache and
// not yet copied back to the backing device.
type dirtyRange struct {
	inode      uint64
	start, end uint64 // byte offsets
}

// CachedDevice is one backing device fronted by the cache (spec §3
// "Cached device"): its cache mode, bypass tunables, and the write point
// the pipeline uses to place its cached copies.
type CachedDevice struct {
	Backend device.Backend

	Mode                    config.CacheMode
	BlockSizeSectors        uint32
	SequentialCutoffSectors uint64
	CongestionReadMS        int
	CongestionWriteMS       int
	TortureTest             bool

	WritePoint       *alloc.WritePoint
	Replicas         int
	RequiredReplicas int
	Reserve          device.Reserve

	detector      sequentialDetector
	congestedRead congestionState
	congestedWrite congestionState

	mu    sync.RWMutex // spec §5 "writeback_lock": read by the write path, written by the writeback worker
	dirty []dirtyRange
}

// Bypass evaluates spec §4.4's OR'd bypass conditions for bio against cd,
// given the cache set's current available/capacity sector totals (used by
// condition 2, the near-full cutoff).
func (cd *CachedDevice) Bypass(bio Bio, availableSectors, capacitySectors uint64) bool {
	switch {
	case bio.Flags.Has(FlagDiscard):
		return true
	case capacitySectors > 0 && availableSectors*100 < capacitySectors*cutoffCacheAdd:
		return true
	case cd.Mode == config.ModeNone:
		return true
	case cd.Mode == config.ModeWritearound && bio.Write:
		return true
	case !bio.aligned(cd.BlockSizeSectors):
		return true
	}

	threshold := cd.CongestionReadMS
	state := &cd.congestedRead
	if bio.Write {
		threshold = cd.CongestionWriteMS
		state = &cd.congestedWrite
	}
	syncWriteback := bio.Write && bio.Flags.Has(FlagSync) && cd.Mode == config.ModeWriteback
	if !syncWriteback && state.isCongested(threshold) {
		return true
	}

	if cd.SequentialCutoffSectors > 0 {
		if cd.detector.hit(bio.Sector, bio.Length) >= cd.SequentialCutoffSectors {
			return true
		}
	}

	return cd.TortureTest && rand.Intn(4) == 0
}

// cutoffCacheAdd is the free-space percentage below which the cache
// refuses new cache-adds outright (spec §4.4 condition 2, "CUTOFF_CACHE_ADD").
const cutoffCacheAdd = 10

func (cd *CachedDevice) overlapsWriteback(inode, start, end uint64) bool {
	cd.mu.RLock()
	defer cd.mu.RUnlock()
	for _, r := range cd.dirty {
		if r.inode == inode && r.start < end && start < r.end {
			return true
		}
	}
	return false
}

func (cd *CachedDevice) markDirty(inode, start, end uint64) {
	cd.mu.Lock()
	cd.dirty = append(cd.dirty, dirtyRange{inode: inode, start: start, end: end})
	cd.mu.Unlock()
}

func (cd *CachedDevice) clearDirty(inode, start, end uint64) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	out := cd.dirty[:0]
	for _, r := range cd.dirty {
		if r.inode != inode || r.start != start || r.end != end {
			out = append(out, r)
		}
	}
	cd.dirty = out
}

// firstDirty returns cd's oldest outstanding dirty range, if any.
func (cd *CachedDevice) firstDirty() (dirtyRange, bool) {
	cd.mu.RLock()
	defer cd.mu.RUnlock()
	if len(cd.dirty) == 0 {
		return dirtyRange{}, false
	}
	return cd.dirty[0], true
}
