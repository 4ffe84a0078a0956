package btree

import (
	"testing"
	"time"

	"github.com/blockcache/bcached/extent"
)

func TestCacheInsertFindFree(t *testing.T) {
	c := NewCache()
	n := &Node{Ptrs: []extent.Ptr{{DeviceIdx: 1, Sector: 10}}}
	c.insert(n)

	got := c.Find(n.FirstPtr())
	if got != n {
		t.Fatalf("Find() = %v; want the inserted node", got)
	}

	c.Free(n)
	if got := c.Find(n.FirstPtr()); got != nil {
		t.Fatalf("Find() after Free() = %v; want nil (spec invariant 3: n in hash iff first_ptr != 0)", got)
	}
}

func TestCacheReserveFormula(t *testing.T) {
	c := NewCache()
	if got := c.Reserve(); got != 16 {
		t.Fatalf("Reserve() with no roots = %d; want 16", got)
	}
	c.RegisterRoot(0) // a leaf-only tree contributes min(1,0)*8 = 0
	c.RegisterRoot(3) // an internal root contributes min(1,3)*8 = 8
	if got := c.Reserve(); got != 24 {
		t.Fatalf("Reserve() with one leaf root and one internal root = %d; want 24", got)
	}
}

func TestCacheEvictOneSkipsDirtyAndPinned(t *testing.T) {
	c := NewCache()
	dirty := &Node{Ptrs: []extent.Ptr{{DeviceIdx: 1, Sector: 1}}, dirty: true}
	noEvict := &Node{Ptrs: []extent.Ptr{{DeviceIdx: 1, Sector: 2}}, noEvict: true}
	clean := &Node{Ptrs: []extent.Ptr{{DeviceIdx: 1, Sector: 3}}}
	c.insert(dirty)
	c.insert(noEvict)
	c.insert(clean)

	got := c.evictOne()
	if got != clean {
		t.Fatalf("evictOne() = %v; want the clean node, dirty/no-evict nodes must be skipped", got)
	}
	if !got.freeable {
		t.Fatal("evicted node was not marked freeable")
	}
}

func TestCacheCannibalizeSingleWriter(t *testing.T) {
	c := NewCache()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		c.Cannibalize(func() (*Node, error) {
			close(started)
			<-release
			return nil, nil
		})
		close(done)
	}()
	<-started

	secondEntered := make(chan struct{})
	go func() {
		c.Cannibalize(func() (*Node, error) {
			close(secondEntered)
			return nil, nil
		})
	}()

	select {
	case <-secondEntered:
		t.Fatal("a second Cannibalize call entered its function while the first was still running")
	default:
	}

	close(release)
	<-done
	select {
	case <-secondEntered:
	case <-time.After(time.Second):
		t.Fatal("second Cannibalize call never proceeded after the first released the slot")
	}
}
