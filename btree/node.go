package btree

import (
	"sync"
	"sync/atomic"

	"github.com/blockcache/bcached/extent"
)

// BtreeID distinguishes the tree that owns a node (spec mentions the
// extents tree by name; other btree-ids are out of this core's scope but
// the field is carried so node identity stays faithful to the on-disk
// format).
type BtreeID uint8

const ExtentsTree BtreeID = 0

// Node is a cached B-tree node: spec §3 "B-tree node". Fixed size on disk,
// containing an ordered sequence of bsets (one per write since the node
// was last compacted); in memory we only need the decoded key index, not
// the raw bset bytes, for the purposes of this core.
type Node struct {
	Level   int // 0 = leaf
	BtreeID BtreeID
	Min, Max extent.Key

	Ptrs []extent.Ptr // content-addressed by Ptrs[0]

	Lock ThreeModeLock

	mu          sync.Mutex
	keys        []nodeKV // sorted by Key
	dirty       bool
	writeInFlight bool
	writeError  bool
	noEvict     bool
	readError   error // sticky; surfaced as IOError, never retried

	// children, populated for level > 0: child pointer per separator
	// key, parallel to keys.
	children []*Node

	accessed atomic.Bool // second-chance bit for the LRU shrinker scan

	lruPrev, lruNext *Node // intrusive LRU list links, guarded by cache.mu
	hashNext         *Node // unused: Cache hashes nodes in a Go map
	inHash           bool
	freeable         bool
	freed            bool
}

type nodeKV struct {
	Key extent.Key
	Val extent.Value
}

// FirstPtr returns the node's content-address key (spec: "content-
// addressed by the first pointer"), or the zero Ptr if the node has not
// been written yet.
func (n *Node) FirstPtr() extent.Ptr {
	if len(n.Ptrs) == 0 {
		return extent.Ptr{}
	}
	return n.Ptrs[0]
}

// IsLeaf reports whether this is a level-0 node.
func (n *Node) IsLeaf() bool { return n.Level == 0 }

// Dirty reports the node's dirty flag.
func (n *Node) Dirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

// MarkDirty sets the dirty flag, e.g. after a transactional insert commits.
func (n *Node) MarkDirty() {
	n.mu.Lock()
	n.dirty = true
	n.mu.Unlock()
}

// ClearDirty clears the dirty flag once the node has been written back.
func (n *Node) ClearDirty() {
	n.mu.Lock()
	n.dirty = false
	n.mu.Unlock()
}

// SetWriteInFlight records whether a write to this node is outstanding.
// Spec invariant: "n.write_in_flight ⟹ n ∈ cache" — enforced by callers
// only ever setting this on nodes looked up through the cache.
func (n *Node) SetWriteInFlight(v bool) {
	n.mu.Lock()
	n.writeInFlight = v
	n.mu.Unlock()
}

func (n *Node) WriteInFlight() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writeInFlight
}

// SetReadError stickily records a read error; IOError from here is never
// retried (spec §4.3 Failure semantics).
func (n *Node) SetReadError(err error) {
	n.mu.Lock()
	n.readError = err
	n.mu.Unlock()
}

func (n *Node) ReadError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readError
}

// MarkAccessed sets the shrinker's second-chance bit.
func (n *Node) MarkAccessed() { n.accessed.Store(true) }

// touchAndClearAccessed implements the shrinker scan's second-chance rule:
// true (and cleared) means "give this node one more lap"; false means
// "reclaim it".
func (n *Node) touchAndClearAccessed() bool {
	return n.accessed.Swap(false)
}

// Keys returns a snapshot of this leaf's key/value pairs at or after pos
// within [pos, end). Intended for callers already holding at least a read
// lock on the node.
func (n *Node) Keys(inode, pos, end uint64) []nodeKV {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []nodeKV
	for _, kv := range n.keys {
		if kv.Key.Overlaps(inode, pos, end) {
			out = append(out, kv)
		}
	}
	return out
}

// AllKeys returns a snapshot of every key/value pair in this leaf, in
// stored order, for the on-disk bset encoder.
func (n *Node) AllKeys() []nodeKV {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]nodeKV(nil), n.keys...)
}

// Insert inserts or replaces a key/value pair in this leaf, marking the
// node dirty. Caller must hold the write lock.
func (n *Node) Insert(k extent.Key, v extent.Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.keys {
		if n.keys[i].Key == k {
			n.keys[i].Val = v
			n.dirty = true
			return
		}
	}
	n.keys = append(n.keys, nodeKV{Key: k, Val: v})
	n.dirty = true
}

// NeedsSplit reports whether this leaf has reached the configured
// per-node key capacity and must be split before another insert.
func (n *Node) NeedsSplit(maxKeys int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.keys) >= maxKeys
}

// Split divides this leaf's keys in half by key order, returning a new
// right-hand sibling node covering the upper half. Caller must hold the
// write lock on n and construct the sibling's own lock fresh.
func (n *Node) Split() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	mid := len(n.keys) / 2
	right := &Node{
		Level:   n.Level,
		BtreeID: n.BtreeID,
		keys:    append([]nodeKV(nil), n.keys[mid:]...),
		dirty:   true,
	}
	if mid < len(n.keys) {
		right.Min = n.keys[mid].Key
	}
	right.Max = n.Max
	n.keys = n.keys[:mid]
	n.dirty = true
	if mid > 0 {
		n.Max = n.keys[mid-1].Key
	}
	return right
}
