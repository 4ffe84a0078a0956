package btree

import (
	"runtime"
	"sort"
	"sync"

	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
)

// Tree owns one B+-tree's root and the shared cache/registry every Iter
// traverses through. It plays the role of the extents tree the request
// router builds cursors against (spec §2 data flow).
type Tree struct {
	ID       BtreeID
	MaxKeys  int // per-node key capacity before a split is required

	cache    *Cache
	registry *LinkRegistry

	rootMu sync.RWMutex
	root   *Node
}

// NewTree constructs a tree with a single empty root leaf.
func NewTree(id BtreeID, maxKeys int, cache *Cache, registry *LinkRegistry) *Tree {
	root := &Node{Level: 0, BtreeID: id}
	cache.insert(root)
	cache.RegisterRoot(root.Level)
	return &Tree{ID: id, MaxKeys: maxKeys, cache: cache, registry: registry, root: root}
}

func (t *Tree) getRoot() *Node {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root
}

func (t *Tree) setRoot(n *Node) {
	t.rootMu.Lock()
	t.root = n
	t.rootMu.Unlock()
}

// Iter is the central multi-level traversal handle (spec §3 "Iterator").
type Iter struct {
	tree *Tree

	Pos       extent.Key
	LocksWant int // depth below which intent locks are taken

	levelNodes []*Node    // traversal path: index 0 is the root, the last entry the leaf
	levelMode  []LockMode // the mode each entry in levelNodes is locked in
	levelSeq   []uint64

	invalidated map[*Node]bool // nodes this iterator must stop trusting
}

// NewIter opens a fresh iterator positioned at pos.
func (t *Tree) NewIter(pos extent.Key, locksWant int) *Iter {
	it := &Iter{tree: t, Pos: pos, LocksWant: locksWant, invalidated: map[*Node]bool{}}
	return it
}

// Link joins it to other's peer group so they share lock ownership (spec
// §4.3 "Linked iterators").
func (t *Tree) Link(it, other *Iter) {
	t.registry.Link(it, other)
}

func (it *Iter) invalidate(n *Node) {
	it.invalidated[n] = true
}

func (it *Iter) isInvalid(n *Node) bool {
	return it.invalidated[n]
}

// unwindLocks releases every lock this iterator currently holds, from the
// root down to the leaf, and clears its level stacks. Used by both
// retry paths and cond_resched.
func (it *Iter) unwindLocks() {
	for i, n := range it.levelNodes {
		if n == nil {
			continue
		}
		if !it.tree.registry.HasPeerLock(it, n) {
			unlockNode(n, it.levelMode[i])
		}
		it.tree.registry.Release(it, n)
	}
	it.levelNodes = nil
	it.levelMode = nil
	it.levelSeq = nil
}

// modeFor returns the lock mode to take at the given level, per spec
// §4.3 step 1: read above locksWant, intent at or below it.
func (it *Iter) modeFor(level int) LockMode {
	if level > it.LocksWant {
		return ModeRead
	}
	return ModeIntent
}

// Traverse implements traverse(): brings the iterator to its target leaf,
// descending from the root, dropping each parent's lock before taking an
// intent lock on its child to avoid the classic upgrade-while-holding-
// parent deadlock with a concurrent splitter (spec §4.3 step 3).
func (it *Iter) Traverse() error {
	it.unwindLocks()

	root := it.tree.getRoot()
	mode := it.modeFor(root.Level)
	if it.tree.registry.HasPeerLock(it, root) {
		// A linked peer already holds the root locked; admit without
		// re-acquiring (spec §4.3 "Linked iterators").
	} else if err := lockNode(root, mode); err != nil {
		return err
	}
	it.tree.registry.Admit(it, root)
	it.levelNodes = append(it.levelNodes, root)
	it.levelMode = append(it.levelMode, mode)
	it.levelSeq = append(it.levelSeq, root.Lock.Seq())

	cur := root
	for cur.Level > 0 {
		child := cur.childFor(it.Pos)
		if child == nil {
			return errs.New(errs.NotFound, "btree.Traverse")
		}
		childMode := it.modeFor(child.Level)

		// Drop the parent's lock before taking the child's, per step 3.
		parentIdx := len(it.levelNodes) - 1
		parent := it.levelNodes[parentIdx]
		if !it.tree.registry.HasPeerLock(it, parent) {
			unlockNode(parent, it.levelMode[parentIdx])
		}
		it.tree.registry.Release(it, parent)
		it.levelNodes[parentIdx] = nil

		if it.tree.registry.HasPeerLock(it, child) {
			// A linked peer already holds this node locked; admit
			// without re-acquiring (spec §4.3 "Linked iterators").
		} else if err := lockNode(child, childMode); err != nil {
			return err
		}
		it.tree.registry.Admit(it, child)

		it.levelNodes = append(it.levelNodes, child)
		it.levelMode = append(it.levelMode, childMode)
		it.levelSeq = append(it.levelSeq, child.Lock.Seq())
		cur = child
	}
	return nil
}

// leaf returns the currently-locked leaf, or nil if the iterator has not
// traversed yet.
func (it *Iter) leaf() *Node {
	if len(it.levelNodes) == 0 {
		return nil
	}
	return it.levelNodes[len(it.levelNodes)-1]
}

// childFor finds the child covering pos: the child whose key range
// contains the search key, i.e. the first separator key >= pos.Offset.
func (n *Node) childFor(pos extent.Key) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := sort.Search(len(n.keys), func(i int) bool {
		return n.keys[i].Key.Inode > pos.Inode ||
			(n.keys[i].Key.Inode == pos.Inode && n.keys[i].Key.Offset >= pos.Offset)
	})
	if idx >= len(n.children) {
		if len(n.children) == 0 {
			return nil
		}
		idx = len(n.children) - 1
	}
	return n.children[idx]
}

// Peek implements peek(): the first key at or after Pos within the
// currently-locked leaf, traversing first if no leaf is locked. If the
// locked leaf holds no such key it reports false; it does not move on to
// a successor leaf.
func (it *Iter) Peek() (extent.Key, extent.Value, bool, error) {
	leaf := it.leaf()
	if leaf == nil {
		if err := it.Traverse(); err != nil {
			return extent.Key{}, extent.Value{}, false, err
		}
		leaf = it.leaf()
	}
	kvs := leaf.Keys(it.Pos.Inode, it.Pos.Offset, ^uint64(0))
	if len(kvs) == 0 {
		return extent.Key{}, extent.Value{}, false, nil
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key.Offset < kvs[j].Key.Offset })
	return kvs[0].Key, kvs[0].Val, true, nil
}

// PeekWithHoles implements peek_with_holes(): like Peek, but synthesises a
// KEY_TYPE_DISCARD hole key covering any gap between Pos and the next real
// key (or end, if none).
func (it *Iter) PeekWithHoles(end uint64) (extent.Key, extent.Value, error) {
	k, v, ok, err := it.Peek()
	if err != nil {
		return extent.Key{}, extent.Value{}, err
	}
	if !ok || k.Start() > it.Pos.Offset {
		holeEnd := end
		if ok && k.Start() < holeEnd {
			holeEnd = k.Start()
		}
		hole := extent.Key{Inode: it.Pos.Inode, Offset: holeEnd, Size: uint32(holeEnd - it.Pos.Offset)}
		return hole, extent.Value{Type: extent.KeyTypeDiscard}, nil
	}
	return k, v, nil
}

// AdvancePos implements advance_pos(): advances Pos to the successor
// position for this btree-id. For the extents tree, that means advancing
// by the just-seen key's size.
func (it *Iter) AdvancePos(k extent.Key) {
	it.Pos.Offset = k.End()
}

// SetPos implements set_pos(): moves to an arbitrary position, dropping
// the current leaf lock (a subsequent operation must Traverse again).
func (it *Iter) SetPos(pos extent.Key) {
	it.unwindLocks()
	it.Pos = pos
}

// SetPosSameLeaf implements set_pos_same_leaf(): like SetPos, but keeps
// the currently-locked leaf, avoiding a re-traverse. It does not check
// the new position against the leaf's key range; it returns false only
// when no leaf is locked.
func (it *Iter) SetPosSameLeaf(pos extent.Key) bool {
	leaf := it.leaf()
	if leaf == nil {
		return false
	}
	if pos.Inode != leaf.Min.Inode && pos.Inode != leaf.Max.Inode && leaf.Min.Inode != 0 {
		// No bounds check is applied here; the position is accepted
		// as is.
	}
	it.Pos = pos
	return true
}

// Rewind implements rewind(): resets Pos to the lowest key this iterator
// could validly see again, used by callers retrying a scan.
func (it *Iter) Rewind() {
	it.Pos = extent.Key{}
}

// CondResched implements cond_resched(): drops all locks on all linked
// peers and yields; the caller must Traverse again afterward.
func (it *Iter) CondResched() {
	group := it.tree.registry.groupOf(it)
	for _, peer := range group {
		peer.unwindLocks()
	}
	runtime.Gosched()
}

// Close releases all locks and removes it from its peer group.
func (it *Iter) Close() {
	it.unwindLocks()
	it.tree.registry.Unlink(it)
}
