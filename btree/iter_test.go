package btree

import (
	"testing"
	"time"

	"github.com/blockcache/bcached/extent"
)

type fakeJournal struct {
	seq uint64
}

func (j *fakeJournal) AppendInsert(id BtreeID, k extent.Key, v extent.Value) (uint64, error) {
	j.seq++
	return j.seq, nil
}

func newTestTree() *Tree {
	cache := NewCache()
	registry := NewLinkRegistry()
	return NewTree(ExtentsTree, 4, cache, registry)
}

func TestTreeInsertAndPeek(t *testing.T) {
	tr := newTestTree()
	j := &fakeJournal{}

	it := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	k := extent.Key{Inode: 1, Offset: 100, Size: 100}
	v := extent.Value{Type: extent.KeyTypeExtent}
	if _, err := tr.Insert(it, k, v, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	it.Close()

	lookup := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	gotKey, _, ok, err := lookup.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ok {
		t.Fatal("Peek() found no key after Insert")
	}
	if gotKey != k {
		t.Fatalf("Peek() = %+v; want %+v", gotKey, k)
	}
}

func TestTreePeekWithHolesSynthesizesGap(t *testing.T) {
	tr := newTestTree()
	j := &fakeJournal{}

	it := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	k := extent.Key{Inode: 1, Offset: 200, Size: 100} // covers [100,200)
	if _, err := tr.Insert(it, k, extent.Value{Type: extent.KeyTypeExtent}, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	it.Close()

	lookup := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	hole, v, err := lookup.PeekWithHoles(300)
	if err != nil {
		t.Fatalf("PeekWithHoles: %v", err)
	}
	if v.Type != extent.KeyTypeDiscard {
		t.Fatalf("PeekWithHoles() before any data = %+v; want a synthesized hole", v)
	}
	if hole.End() != 100 {
		t.Fatalf("hole end = %d; want 100 (start of the real extent)", hole.End())
	}
}

func TestTreeSplitInvalidatesLinkedIterators(t *testing.T) {
	tr := newTestTree()
	j := &fakeJournal{}

	it := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	peer := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	tr.Link(it, peer)

	if err := it.Traverse(); err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	leafBeforeSplit := it.leaf()

	for i := 0; i < 5; i++ { // MaxKeys is 4, so this forces a split
		k := extent.Key{Inode: 1, Offset: uint64((i + 1) * 10), Size: 10}
		if _, err := tr.Insert(it, k, extent.Value{Type: extent.KeyTypeExtent}, j); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	if !peer.isInvalid(leafBeforeSplit) {
		t.Fatal("linked peer was not invalidated after the original leaf split")
	}
}

func TestTreeLinkedIteratorsShareLock(t *testing.T) {
	tr := newTestTree()
	a := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	b := tr.NewIter(extent.Key{Inode: 1, Offset: 0}, 0)
	tr.Link(a, b)

	if err := a.Traverse(); err != nil {
		t.Fatalf("a.Traverse: %v", err)
	}
	// b reaching the same (single-node) tree must be admitted via the
	// registry rather than blocking on a's held intent lock.
	done := make(chan error, 1)
	go func() { done <- b.Traverse() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("b.Traverse: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("linked iterator b blocked instead of being admitted via the lock registry")
	}
}
