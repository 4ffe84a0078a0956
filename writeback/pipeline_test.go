package writeback

import (
	"context"
	"testing"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/btree"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/extent"
	"github.com/blockcache/bcached/journal"
	"github.com/blockcache/bcached/metrics"
)

func newTestPipeline(t *testing.T, nDevices int) (*Pipeline, *device.Group, []*device.Device) {
	t.Helper()
	grp := device.NewGroup("tier0")
	set := device.NewSet()
	allocs := map[*device.Device]*alloc.Allocator{}
	var devs []*device.Device
	for i := 0; i < nDevices; i++ {
		d := device.New("dev", 0, 512, 4, 0, device.ReplacementLRU, true, device.NewMemBackend(4*512, true), bcachelog.Nop())
		d.Get()
		grp.Add(d)
		set.Add(d)
		allocs[d] = alloc.New(d, bcachelog.Nop(), nil)
		devs = append(devs, d)
	}

	jbacking := device.NewMemBackend(1024, false)
	jrnl := journal.New(jbacking, 0, 1024)

	cache := btree.NewCache()
	registry := btree.NewLinkRegistry()
	tree := btree.NewTree(btree.ExtentsTree, 8, cache, registry)

	p := &Pipeline{
		Tree:    tree,
		Pool:    alloc.NewPool(set),
		Allocs:  allocs,
		Set:     set,
		Journal: jrnl,
		Metrics: metrics.NewSet(),
		Log:     bcachelog.Nop(),
	}
	return p, grp, devs
}

func TestWriteInsertsExtentWithOnePointerPerReplica(t *testing.T) {
	p, grp, _ := newTestPipeline(t, 2)
	wp := alloc.NewWritePoint("foreground", grp, false)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}

	keys, err := p.Write(context.Background(), 1, 0, data, wp, 2, 2, device.ReserveNone, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys; want 1 (single segment write)", len(keys))
	}

	it := p.Tree.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	defer it.Close()
	k, v, ok, err := it.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ok {
		t.Fatal("Peek found no key after Write")
	}
	if k != keys[0] {
		t.Fatalf("Peek key = %+v; want %+v", k, keys[0])
	}
	if len(v.Ptrs) != 2 {
		t.Fatalf("got %d pointers; want 2 (one per replica)", len(v.Ptrs))
	}
	if !v.Dirty {
		t.Fatal("a non-CACHED write must insert a dirty extent")
	}
}

func TestWriteReplicatedWithOneDeviceFailing(t *testing.T) {
	p, grp, devs := newTestPipeline(t, 3)
	devs[0].Backend.(*device.MemBackend).FailWrites(true)
	wp := alloc.NewWritePoint("foreground", grp, false)

	data := []byte("replicated segment")
	keys, err := p.Write(context.Background(), 1, 0, data, wp, 3, 2, device.ReserveNone, 0)
	if err != nil {
		t.Fatalf("Write with one failing replica should still commit: %v", err)
	}

	it := p.Tree.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	defer it.Close()
	_, v, ok, err := it.Peek()
	if err != nil || !ok {
		t.Fatalf("Peek after degraded write: ok=%v err=%v", ok, err)
	}
	if len(v.Ptrs) != 2 {
		t.Fatalf("got %d pointers; want 2 (3 replicas - 1 failure)", len(v.Ptrs))
	}
	if got := p.Metrics.IOErrors.Sum(); got == 0 {
		t.Fatal("IOErrors metric should have been incremented on the failed replica write")
	}
}

func TestWriteFailsBelowRequiredReplicas(t *testing.T) {
	p, grp, devs := newTestPipeline(t, 2)
	devs[0].Backend.(*device.MemBackend).FailWrites(true)
	devs[1].Backend.(*device.MemBackend).FailWrites(true)
	wp := alloc.NewWritePoint("foreground", grp, false)

	_, err := p.Write(context.Background(), 1, 0, []byte("x"), wp, 2, 2, device.ReserveNone, 0)
	if err == nil {
		t.Fatal("Write should fail when every replica fails and required_replicas cannot be met")
	}
}

func TestDiscardInsertsHoleKey(t *testing.T) {
	p, _, _ := newTestPipeline(t, 1)

	if err := p.Discard(context.Background(), 7, 0, 4096); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	it := p.Tree.NewIter(extent.Key{Inode: 7, Offset: 0}, 0)
	defer it.Close()
	k, v, ok, err := it.Peek()
	if err != nil || !ok {
		t.Fatalf("Peek after Discard: ok=%v err=%v", ok, err)
	}
	if k.Inode != 7 {
		t.Fatalf("Peek inode = %d; want 7", k.Inode)
	}
	if v.Type != extent.KeyTypeDiscard {
		t.Fatalf("Peek value type = %v; want KeyTypeDiscard", v.Type)
	}
}
