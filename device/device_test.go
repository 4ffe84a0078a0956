package device

import (
	"testing"

	"github.com/blockcache/bcached/bcachelog"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	return New("test0", 0, 8, 16, 0, ReplacementLRU, true, NewMemBackend(16*8, true), bcachelog.Nop())
}

func TestPopFreeDrainsFromFree(t *testing.T) {
	d := newTestDevice(t)
	b, ok := d.PopFree(ReserveNone)
	if !ok {
		t.Fatal("PopFree() returned no bucket from a freshly created device")
	}
	if got := d.State(b); got != Open {
		t.Fatalf("State(%d) = %v; want Open", b, got)
	}
}

func TestPopFreeFallsBackToHigherPriorityReserve(t *testing.T) {
	d := newTestDevice(t)
	b, _ := d.PopFree(ReserveNone)
	d.FinishOpen(b, true, false) // -> Cached
	if err := d.Invalidate(b, 16); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	got, _ := d.PopInvalidated()
	if got != b {
		t.Fatalf("PopInvalidated() = %d; want %d", got, b)
	}
	d.PushFree(b, ReservePrio)

	// A caller entitled to drain ReserveBtree (which is allowed to pull
	// from the strictly-higher-priority ReservePrio fifo) must see b.
	popped, ok := d.PopFree(ReserveBtree)
	if !ok || popped != b {
		t.Fatalf("PopFree(ReserveBtree) = %d, %v; want %d, true", popped, ok, b)
	}
}

func TestGenerationBumpOnInvalidate(t *testing.T) {
	d := newTestDevice(t)
	b, _ := d.PopFree(ReserveNone)
	g0 := d.Generation(b)
	if err := d.Invalidate(b, 16); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if g1 := d.Generation(b); g1 != g0+1 {
		t.Fatalf("Generation after Invalidate = %d; want %d", g1, g0+1)
	}
	if err := d.CheckGeneration(b, g0); err == nil {
		t.Fatalf("CheckGeneration(stale) succeeded; want Stale error")
	}
}

func TestMarkWrittenExceedsBucketSizePanics(t *testing.T) {
	d := newTestDevice(t)
	b, _ := d.PopFree(ReserveNone)
	defer func() {
		if recover() == nil {
			t.Fatal("MarkWritten beyond bucket size did not panic")
		}
	}()
	d.MarkWritten(b, d.BucketSize+1, false, false)
}

func TestGroupRoundRobinSkipsOffline(t *testing.T) {
	g := NewGroup("tier0")
	d1 := newTestDevice(t)
	d2 := newTestDevice(t)
	g.Add(d1)
	g.Add(d2)
	// Neither device has Get() called, so both are offline; Next must
	// report nil rather than spin forever.
	if got := g.Next(); got != nil {
		t.Fatalf("Next() on an all-offline group = %v; want nil", got)
	}
	d1.Get()
	if got := g.Next(); got != d1 {
		t.Fatalf("Next() = %v; want d1", got)
	}
}
