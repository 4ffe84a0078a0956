package btree

import (
	"sync"
	"sync/atomic"

	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
)

// ptrKey is the hash key: a node's first extent pointer, reduced to its
// address-bearing fields (spec §4.2 "hash table keyed by the first extent
// pointer").
type ptrKey struct {
	dev    int
	sector uint64
}

func keyOf(p extent.Ptr) ptrKey { return ptrKey{dev: p.DeviceIdx, sector: p.Sector} }

// Cache is the in-memory node cache: an open-addressing-style hash table
// (realized here as a Go map, since Go's built-in map already gives us
// O(1) amortized lookup without hand-rolled probing) plus a global LRU for
// shrinker walks, and the freeable/freed auxiliary lists (spec §4.2).
type Cache struct {
	mu   sync.Mutex
	hash map[ptrKey]*Node

	lruHead, lruTail *Node // most-recently-used at head

	freeable []*Node
	freed    []*Node

	rootLevels []int // one entry per btree-id registered, for the reserve formula

	cannibalLock cannibalMutex

	count int
}

// NewCache constructs an empty node cache.
func NewCache() *Cache {
	return &Cache{hash: map[ptrKey]*Node{}}
}

// RegisterRoot records a tree root's level, used by Reserve's formula
// (spec §4.2: "Reserve = 16 + Σ_root min(1, level) × 8").
func (c *Cache) RegisterRoot(level int) {
	c.mu.Lock()
	c.rootLevels = append(c.rootLevels, level)
	c.mu.Unlock()
}

// Reserve computes the cache's reserve floor.
func (c *Cache) Reserve() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for _, lvl := range c.rootLevels {
		if lvl >= 1 {
			sum += 8
		}
	}
	return 16 + sum
}

// Count returns the number of nodes currently resident.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Find implements node_find: hash lookup, returning a shared reference or
// nil. Does not touch the LRU; callers that use the node call Touch.
func (c *Cache) Find(p extent.Ptr) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash[keyOf(p)]
}

// Touch marks n as most-recently-used and sets its shrinker accessed bit.
func (c *Cache) Touch(n *Node) {
	n.MarkAccessed()
	c.mu.Lock()
	c.lruUnlink(n)
	c.lruPushFront(n)
	c.mu.Unlock()
}

// insert adds a freshly-filled node to the hash and LRU. Must not be
// called twice for the same pointer (node_fill's caller is expected to
// have lost the race if Find now returns non-nil).
func (c *Cache) insert(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hash[keyOf(n.FirstPtr())] = n
	n.inHash = true
	c.lruPushFront(n)
	c.count++
}

// Free implements node_free: zero the pointer hash entry so future lookups
// fail, and move n to the freed list. Does not release the node's
// container (the Go GC owns that once the last reference drops).
func (c *Cache) Free(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.inHash {
		delete(c.hash, keyOf(n.FirstPtr()))
		n.inHash = false
		c.lruUnlink(n)
		c.count--
	}
	n.freed = true
	c.freed = append(c.freed, n)
}

// lruPushFront and lruUnlink maintain the intrusive doubly-linked LRU list,
// directly modeled on the teacher's Inode parent/child bookkeeping style
// of small intrusive pointer updates under one lock (fuse/nodefs/inode.go).
func (c *Cache) lruPushFront(n *Node) {
	n.lruPrev = nil
	n.lruNext = c.lruHead
	if c.lruHead != nil {
		c.lruHead.lruPrev = n
	}
	c.lruHead = n
	if c.lruTail == nil {
		c.lruTail = n
	}
}

func (c *Cache) lruUnlink(n *Node) {
	if n.lruPrev != nil {
		n.lruPrev.lruNext = n.lruNext
	} else if c.lruHead == n {
		c.lruHead = n.lruNext
	}
	if n.lruNext != nil {
		n.lruNext.lruPrev = n.lruPrev
	} else if c.lruTail == n {
		c.lruTail = n.lruPrev
	}
	n.lruPrev, n.lruNext = nil, nil
}

// evictOne scans the LRU tail forward (oldest first), applying the
// second-chance rule, and reclaims the first clean, non-pinned,
// non-write-in-flight, non-no-evict node it finds. Must be called with
// c.mu held is NOT required: it takes the lock itself and releases before
// returning so the caller (cannibalize) doesn't nest unrelated locks
// across an I/O-free but potentially long scan.
func (c *Cache) evictOne() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := c.lruTail; n != nil; n = n.lruPrev {
		if n.noEvict || n.WriteInFlight() || n.Dirty() {
			continue
		}
		if n.touchAndClearAccessed() {
			continue // second chance: give it one more lap
		}
		if !n.Lock.TryWriteLock() {
			continue // held by someone; skip
		}
		delete(c.hash, keyOf(n.FirstPtr()))
		n.inHash = false
		c.lruUnlink(n)
		c.count--
		n.freeable = true
		c.freeable = append(c.freeable, n)
		return n
	}
	return nil
}

// cannibalMutex is the single-writer cannibalisation slot: a cmpxchg-based
// mutex with a wait-closure queue for fair wakeup (spec §4.2).
type cannibalMutex struct {
	held atomic.Bool
	wait waitQueue
}

type waitQueue struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

func (q *waitQueue) park() <-chan struct{} {
	ch := make(chan struct{})
	q.mu.Lock()
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()
	return ch
}

func (q *waitQueue) wakeAll() {
	q.mu.Lock()
	ws := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
}

// Cannibalize runs fn (a node acquisition attempt) while holding the
// single cannibalisation slot, parking until it is free if another caller
// is already evicting. Guarantees at most one thread is eviction-spinning
// at a time (spec §5 forward-progress guarantee).
func (c *Cache) Cannibalize(fn func() (*Node, error)) (*Node, error) {
	for !c.cannibalLock.held.CompareAndSwap(false, true) {
		// Register the wait channel before re-checking, not after: if we
		// instead parked unconditionally and checked first, a holder could
		// release and wakeAll the (still-empty) queue in the gap between
		// our failed CAS and the park call, and we'd wait on a channel
		// nothing will ever close.
		ch := c.cannibalLock.wait.park()
		if c.cannibalLock.held.CompareAndSwap(false, true) {
			break
		}
		<-ch
	}
	defer func() {
		c.cannibalLock.held.Store(false)
		c.cannibalLock.wait.wakeAll()
	}()
	return fn()
}

// EvictForReserve reclaims exactly one node via the LRU when an
// allocation would otherwise drop below reserve. Returns NoMem if nothing
// is reclaimable.
func (c *Cache) EvictForReserve() (*Node, error) {
	n := c.evictOne()
	if n == nil {
		return nil, errs.New(errs.NoMem, "btree.EvictForReserve")
	}
	return n, nil
}
