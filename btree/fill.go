package btree

import (
	"context"

	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
)

// LockMode is the mode a caller wants a node locked in.
type LockMode int

const (
	ModeRead LockMode = iota
	ModeIntent
	ModeWrite
)

// Store is the narrow persistence contract the cache needs: read a node's
// bytes given its address; it has no call for allocating storage. The
// actual on-disk codec lives in package ondisk; this interface keeps btree
// independent of it (spec §1 treats the wire format as a narrow-interface
// collaborator).
type Store interface {
	ReadNode(ctx context.Context, ptr extent.Ptr) (*Node, error)
}

// Get implements node_get: find-or-fill with the deadlock-avoidance dance
// of spec §5 — it never holds a stale reference across a fill, and if a
// concurrent fill wins the race it returns errs.Retry for the caller to
// retry from Find.
func (c *Cache) Get(ctx context.Context, store Store, ptr extent.Ptr, level int, mode LockMode) (*Node, error) {
	if n := c.Find(ptr); n != nil {
		c.Touch(n)
		if err := lockNode(n, mode); err != nil {
			return nil, err
		}
		return n, nil
	}
	return c.Fill(ctx, store, ptr, level, mode)
}

// Fill implements node_fill: allocate (possibly cannibalising when the
// cache is at its reserve floor), insert into the hash, read from disk,
// and lock in the requested mode. If a concurrent fill already won the
// race for this pointer, returns errs.Retry so the caller re-tries
// node_get from the top.
func (c *Cache) Fill(ctx context.Context, store Store, ptr extent.Ptr, level int, mode LockMode) (*Node, error) {
	if c.Count() >= c.Reserve() {
		reclaimed, err := c.Cannibalize(func() (*Node, error) { return c.EvictForReserve() })
		if err != nil {
			return nil, err
		}
		_ = reclaimed
	}

	n, err := store.ReadNode(ctx, ptr)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "btree.Fill", err)
	}
	n.Level = level
	if len(n.Ptrs) == 0 {
		n.Ptrs = []extent.Ptr{ptr}
	}

	if existing := c.Find(ptr); existing != nil {
		// Lost the race: another caller's fill already landed.
		return nil, errs.New(errs.Retry, "btree.Fill")
	}

	// Insert pre-locked in write mode, then downgrade to what the
	// caller actually asked for, so no other goroutine can observe a
	// half-filled node through the hash.
	if !n.Lock.TryWriteLock() {
		panic("btree: freshly filled node must never already be locked")
	}
	c.insert(n)

	switch mode {
	case ModeWrite:
		// already held
	case ModeIntent:
		n.Lock.WriteUnlock()
		n.Lock.IntentLock()
	case ModeRead:
		n.Lock.WriteUnlock()
		n.Lock.RLock()
	}
	return n, nil
}

func lockNode(n *Node, mode LockMode) error {
	switch mode {
	case ModeRead:
		n.Lock.RLock()
	case ModeIntent:
		n.Lock.IntentLock()
	case ModeWrite:
		if !n.Lock.TryWriteLock() {
			n.Lock.IntentLock()
			n.Lock.UpgradeToWrite()
		}
	}
	if n.ReadError() != nil {
		unlockNode(n, mode)
		return errs.Wrap(errs.IOError, "btree.lockNode", n.ReadError())
	}
	return nil
}

func unlockNode(n *Node, mode LockMode) {
	switch mode {
	case ModeRead:
		n.Lock.RUnlock()
	case ModeIntent:
		n.Lock.IntentUnlock()
	case ModeWrite:
		n.Lock.WriteUnlock()
	}
}
