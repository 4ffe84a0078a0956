package router

import (
	"context"
	"testing"
	"time"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/btree"
	"github.com/blockcache/bcached/config"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/extent"
	"github.com/blockcache/bcached/journal"
	"github.com/blockcache/bcached/metrics"
	"github.com/blockcache/bcached/writeback"
)

func newTestRouter(t *testing.T, mode config.CacheMode) (*Router, *CachedDevice) {
	t.Helper()
	grp := device.NewGroup("tier0")
	set := device.NewSet()
	allocs := map[*device.Device]*alloc.Allocator{}
	cacheDev := device.New("cache0", 0, 512, 4, 0, device.ReplacementLRU, true, device.NewMemBackend(4*512, true), bcachelog.Nop())
	cacheDev.Get()
	grp.Add(cacheDev)
	set.Add(cacheDev)
	allocs[cacheDev] = alloc.New(cacheDev, bcachelog.Nop(), nil)

	jrnl := journal.New(device.NewMemBackend(1024, false), 0, 1024)
	cache := btree.NewCache()
	registry := btree.NewLinkRegistry()
	tree := btree.NewTree(btree.ExtentsTree, 8, cache, registry)

	pipeline := &writeback.Pipeline{
		Tree:    tree,
		Pool:    alloc.NewPool(set),
		Allocs:  allocs,
		Set:     set,
		Journal: jrnl,
		Metrics: metrics.NewSet(),
		Log:     bcachelog.Nop(),
	}

	r := &Router{
		Tree:     tree,
		Pipeline: pipeline,
		Set:      set,
		Metrics:  metrics.NewSet(),
		Log:      bcachelog.Nop(),
		Promote:  true,
	}

	cd := &CachedDevice{
		Backend:          device.NewMemBackend(64, false), // the uncached backing device
		Mode:             mode,
		WritePoint:       alloc.NewWritePoint("foreground", grp, false),
		Replicas:         1,
		RequiredReplicas: 1,
		Reserve:          device.ReserveNone,
	}
	return r, cd
}

func TestBypassDiscardAlwaysBypasses(t *testing.T) {
	_, cd := newTestRouter(t, config.ModeWriteback)
	bio := Bio{Write: true, Sector: 0, Length: 8, Flags: FlagDiscard}
	if !cd.Bypass(bio, 1000, 1000) {
		t.Fatal("a DISCARD bio must always bypass")
	}
}

func TestBypassModeNone(t *testing.T) {
	_, cd := newTestRouter(t, config.ModeNone)
	bio := Bio{Sector: 0, Length: 8}
	if !cd.Bypass(bio, 1000, 1000) {
		t.Fatal("CACHE_MODE_NONE must bypass every I/O")
	}
}

func TestBypassUnalignedBio(t *testing.T) {
	_, cd := newTestRouter(t, config.ModeWriteback)
	cd.BlockSizeSectors = 8
	bio := Bio{Sector: 3, Length: 8}
	if !cd.Bypass(bio, 1000, 1000) {
		t.Fatal("a bio misaligned to the block size must bypass")
	}
}

func TestBypassNearFullCutoff(t *testing.T) {
	_, cd := newTestRouter(t, config.ModeWriteback)
	bio := Bio{Sector: 0, Length: 8}
	// available < 10% of capacity
	if !cd.Bypass(bio, 5, 1000) {
		t.Fatal("a near-full cache must bypass new cache-adds")
	}
	if cd.Bypass(bio, 500, 1000) {
		t.Fatal("a cache with plenty of free space must not bypass on the capacity condition alone")
	}
}

func TestSequentialCutoffBypassesLongRun(t *testing.T) {
	_, cd := newTestRouter(t, config.ModeWriteback)
	cd.SequentialCutoffSectors = 100

	bio1 := Bio{Sector: 0, Length: 40}
	if cd.Bypass(bio1, 1000, 1000) {
		t.Fatal("first bio of a stream must not bypass on sequential cutoff alone")
	}
	bio2 := Bio{Sector: 40, Length: 40}
	if cd.Bypass(bio2, 1000, 1000) {
		t.Fatal("80 sectors into an 100-sector cutoff should not bypass yet")
	}
	bio3 := Bio{Sector: 80, Length: 40}
	if !cd.Bypass(bio3, 1000, 1000) {
		t.Fatal("120 sectors into a sequential stream should exceed a 100-sector cutoff and bypass")
	}
}

func TestWritebackHitThenRead(t *testing.T) {
	r, cd := newTestRouter(t, config.ModeWriteback)
	ctx := context.Background()

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	writeBio := Bio{Write: true, Sector: 0, Length: 8, Data: data}
	if err := r.MakeRequest(ctx, cd, 1, writeBio); err != nil {
		t.Fatalf("writeback write: %v", err)
	}

	readBuf := make([]byte, 4096)
	readBio := Bio{Sector: 0, Length: 8, Data: readBuf}
	if err := r.MakeRequest(ctx, cd, 1, readBio); err != nil {
		t.Fatalf("read after writeback write: %v", err)
	}
	for i := range data {
		if readBuf[i] != data[i] {
			t.Fatalf("readBuf[%d] = %d; want %d", i, readBuf[i], data[i])
		}
	}
	if got := r.Metrics.CacheHits.Sum(); got == 0 {
		t.Fatal("CacheHits should have been incremented by the read")
	}
}

func TestReadMissFallsBackToBackingDevice(t *testing.T) {
	r, cd := newTestRouter(t, config.ModeWriteback)
	ctx := context.Background()

	backing := make([]byte, 512)
	for i := range backing {
		backing[i] = 0xAB
	}
	if err := cd.Backend.WriteAt(ctx, 0, backing); err != nil {
		t.Fatalf("seed backing device: %v", err)
	}

	readBuf := make([]byte, 512)
	readBio := Bio{Sector: 0, Length: 1, Data: readBuf}
	if err := r.MakeRequest(ctx, cd, 2, readBio); err != nil {
		t.Fatalf("read miss: %v", err)
	}
	for i := range backing {
		if readBuf[i] != 0xAB {
			t.Fatalf("readBuf[%d] = %x; want 0xAB (read from backing device on miss)", i, readBuf[i])
		}
	}
	if got := r.Metrics.CacheMisses.Sum(); got == 0 {
		t.Fatal("CacheMisses should have been incremented")
	}
}

func TestStaleHitRereadsFromBackingDevice(t *testing.T) {
	r, cd := newTestRouter(t, config.ModeWriteback)
	ctx := context.Background()

	data := make([]byte, 512)
	for i := range data {
		data[i] = 0x11
	}
	if err := r.MakeRequest(ctx, cd, 3, Bio{Write: true, Sector: 0, Length: 1, Data: data}); err != nil {
		t.Fatalf("writeback write: %v", err)
	}

	it := r.Tree.NewIter(extent.Key{Inode: 3, Offset: 0}, 0)
	_, v, ok, err := it.Peek()
	it.Close()
	if err != nil || !ok {
		t.Fatalf("Peek after write: ok=%v err=%v", ok, err)
	}
	ptr := v.Ptrs[0]
	dev := r.Set.ByIndex(ptr.DeviceIdx)
	if err := dev.Invalidate(ptr.Bucket(dev), 16); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	backing := make([]byte, 512)
	for i := range backing {
		backing[i] = 0x22
	}
	if err := cd.Backend.WriteAt(ctx, 0, backing); err != nil {
		t.Fatalf("seed backing device: %v", err)
	}

	readBuf := make([]byte, 512)
	if err := r.MakeRequest(ctx, cd, 3, Bio{Sector: 0, Length: 1, Data: readBuf}); err != nil {
		t.Fatalf("read after stale pointer: %v", err)
	}
	for i := range readBuf {
		if readBuf[i] != 0x22 {
			t.Fatalf("readBuf[%d] = %x; want 0x22 from the backing device", i, readBuf[i])
		}
	}
	if got := r.Metrics.CacheReadRaces.Sum(); got == 0 {
		t.Fatal("CacheReadRaces should have been incremented on the stale pointer")
	}
}

func TestWritebackWorkerDrainsDirtyRange(t *testing.T) {
	r, cd := newTestRouter(t, config.ModeWriteback)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := make([]byte, 512)
	for i := range data {
		data[i] = 0x55
	}
	if err := r.MakeRequest(ctx, cd, 4, Bio{Write: true, Sector: 0, Length: 1, Data: data}); err != nil {
		t.Fatalf("writeback write: %v", err)
	}
	if _, ok := cd.firstDirty(); !ok {
		t.Fatal("write should have left a dirty range behind")
	}

	done := make(chan error, 1)
	go func() { done <- r.WritebackWorker(ctx, cd) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := cd.firstDirty(); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("writeback worker did not drain the dirty range in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	backing := make([]byte, 512)
	if err := cd.Backend.ReadAt(context.Background(), 0, backing); err != nil {
		t.Fatalf("read back: %v", err)
	}
	for i := range backing {
		if backing[i] != 0x55 {
			t.Fatalf("backing device byte %d = %x; want 0x55 (writeback worker should have copied it back)", i, backing[i])
		}
	}
}
