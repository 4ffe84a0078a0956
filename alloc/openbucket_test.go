package alloc

import (
	"context"
	"testing"

	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/device"
)

func newTestSetup(t *testing.T, nDevices int) (*device.Group, map[*device.Device]*Allocator) {
	t.Helper()
	grp := device.NewGroup("tier0")
	allocs := map[*device.Device]*Allocator{}
	for i := 0; i < nDevices; i++ {
		d := device.New("dev", 0, 8, 64, 0, device.ReplacementLRU, true, device.NewMemBackend(64*8, true), bcachelog.Nop())
		d.Get()
		grp.Add(d)
		allocs[d] = New(d, bcachelog.Nop(), nil)
	}
	return grp, allocs
}

func newTestSet(allocs map[*device.Device]*Allocator) *device.Set {
	set := device.NewSet()
	for d := range allocs {
		set.Add(d)
	}
	return set
}

func TestAllocSectorsStartAndDone(t *testing.T) {
	grp, allocs := newTestSetup(t, 2)
	pool := NewPool(newTestSet(allocs))
	wp := NewWritePoint("foreground", grp, false)

	ob, err := pool.AllocSectorsStart(context.Background(), wp, allocs, 2, device.ReserveNone, false)
	if err != nil {
		t.Fatalf("AllocSectorsStart: %v", err)
	}
	// newTestSetup's buckets hold 8 sectors, fewer than sectorsPerSegment,
	// so the open bucket spans one whole bucket.
	const span = 8
	if got := ob.SectorsFree(); got != span {
		t.Fatalf("SectorsFree() = %d; want %d", got, span)
	}

	ptrs := AppendPointers(pool, ob, span, false, device.ChecksumCRC32C)
	if len(ptrs) != 2 {
		t.Fatalf("AppendPointers returned %d pointers; want 2 (one per replica)", len(ptrs))
	}
	if got := ob.SectorsFree(); got != 0 {
		t.Fatalf("SectorsFree() after consuming segment = %d; want 0", got)
	}

	Done(ob, false)
	for d := range allocs {
		// Every replica bucket should have transitioned out of OPEN.
		for b := d.FirstBucket; b < d.NBuckets; b++ {
			if d.State(b) == device.Open {
				t.Fatalf("bucket %d on device still OPEN after Done()", b)
			}
		}
	}
}

func TestAllocSectorsStartReusesCurrentWhileSectorsRemain(t *testing.T) {
	grp, allocs := newTestSetup(t, 1)
	pool := NewPool(newTestSet(allocs))
	wp := NewWritePoint("foreground", grp, false)

	ob1, err := pool.AllocSectorsStart(context.Background(), wp, allocs, 1, device.ReserveNone, false)
	if err != nil {
		t.Fatalf("AllocSectorsStart: %v", err)
	}
	ob2, err := pool.AllocSectorsStart(context.Background(), wp, allocs, 1, device.ReserveNone, false)
	if err != nil {
		t.Fatalf("AllocSectorsStart (reuse): %v", err)
	}
	if ob1 != ob2 {
		t.Fatalf("AllocSectorsStart did not reuse the write point's current open bucket")
	}
}
