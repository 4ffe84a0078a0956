package alloc

import (
	"context"
	"testing"

	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/device"
)

func TestRecalcCapacityIgnoresNonTier0(t *testing.T) {
	fast := device.New("fast", 0, 8, 128, 0, device.ReplacementLRU, true, device.NewMemBackend(128*8, true), bcachelog.Nop())
	slow := device.New("slow", 1, 8, 128, 0, device.ReplacementLRU, true, device.NewMemBackend(128*8, true), bcachelog.Nop())

	got := RecalcCapacity([]*device.Device{fast, slow}, 0)
	want := uint64(128 * 8)
	if got != want {
		t.Fatalf("RecalcCapacity() = %d; want %d (tier-1 device must not contribute)", got, want)
	}
}

func TestAllocNonBlockingReturnsNoSpaceWhenExhausted(t *testing.T) {
	d := device.New("dev", 0, 8, 2, 0, device.ReplacementLRU, true, device.NewMemBackend(2*8, true), bcachelog.Nop())
	a := New(d, bcachelog.Nop(), nil)

	for i := 0; i < 2; i++ {
		if _, err := a.Alloc(context.Background(), device.ReserveNone, false); err != nil {
			t.Fatalf("Alloc() unexpected error: %v", err)
		}
	}
	if _, err := a.Alloc(context.Background(), device.ReserveNone, false); err == nil {
		t.Fatalf("Alloc() on exhausted device succeeded; want NoSpace")
	}
}

func TestDrainInvalidatedRespectsLowWaterMark(t *testing.T) {
	d := device.New("dev", 0, 8, 32, 0, device.ReplacementLRU, true, device.NewMemBackend(32*8, true), bcachelog.Nop())
	a := New(d, bcachelog.Nop(), nil)

	for i := uint32(0); i < 20; i++ {
		b, ok := d.PopFree(device.ReserveNone)
		if !ok {
			t.Fatalf("PopFree exhausted unexpectedly at i=%d", i)
		}
		d.FinishOpen(b, true, false)
		if err := d.Invalidate(b, freeIncCapacity); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
	}
	a.drainInvalidated()
	if got := d.FreeLen(device.ReservePrio); got != lowWaterMark[device.ReservePrio] {
		t.Fatalf("FreeLen(ReservePrio) = %d; want exactly the low-water mark %d filled first", got, lowWaterMark[device.ReservePrio])
	}
}
