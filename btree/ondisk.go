package btree

import (
	"github.com/blockcache/bcached/ondisk"
)

// ToRecord converts n's in-memory key index to its on-disk bset form
// (spec §6 "B-tree node layout"). Caller must hold at least a read lock
// on n.
func (n *Node) ToRecord() *ondisk.NodeRecord {
	keys := n.AllKeys()
	rec := &ondisk.NodeRecord{
		Level:   uint8(n.Level),
		BtreeID: uint8(n.BtreeID),
		Min:     n.Min,
		Max:     n.Max,
		Format:  ondisk.DefaultKeyFormat,
		Keys:    make([]ondisk.KeyRecord, len(keys)),
	}
	for i, kv := range keys {
		rec.Keys[i] = ondisk.KeyRecord{Key: kv.Key, Value: kv.Val}
	}
	return rec
}

// NodeFromRecord reconstructs a leaf Node from its decoded on-disk form,
// for node_fill's read-from-device path (spec §4.2). The returned node
// carries no device pointers or lock state of its own; the caller
// (cache fill) assigns those.
func NodeFromRecord(rec *ondisk.NodeRecord) *Node {
	n := &Node{
		Level:   int(rec.Level),
		BtreeID: BtreeID(rec.BtreeID),
		Min:     rec.Min,
		Max:     rec.Max,
	}
	n.keys = make([]nodeKV, len(rec.Keys))
	for i, kv := range rec.Keys {
		n.keys[i] = nodeKV{Key: kv.Key, Val: kv.Value}
	}
	return n
}
