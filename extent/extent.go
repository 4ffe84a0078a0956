// Package extent defines the wire-shaped key/value types shared by the
// B-tree, the allocator's pointer-append step, and the write pipeline:
// spec §3 "Extent" and "B-tree node" data model. It is a leaf package so
// that btree, alloc, and writeback can all depend on it without a cycle.
package extent

import "github.com/blockcache/bcached/device"

// Ptr is one device pointer within an extent's value: spec §3's
// "(device, bucket-offset-in-sectors, generation, checksum-type,
// compression-type) pointer tuple".
type Ptr struct {
	DeviceIdx    int
	Sector       uint64
	Generation   uint16
	Checksum     device.ChecksumType
	Compression  device.CompressionType
	Cached       bool // written with the CACHED flag; forbids verify-mode compare
}

// Key is a B+-tree key: (inode, end-offset) plus a size, per spec §3.
type Key struct {
	Inode  uint64
	Offset uint64 // end offset, exclusive
	Size   uint32
}

// KeyType distinguishes ordinary extents from the synthesized hole key
// peek_with_holes produces (spec §4.3).
type KeyType uint8

const (
	KeyTypeExtent KeyType = iota
	KeyTypeDiscard
	KeyTypeWhiteout
)

// Value is the full value stored under a Key: a list of pointer tuples
// plus the key's type tag.
type Value struct {
	Type KeyType
	Ptrs []Ptr
	Dirty bool // at least one pointer is an as-yet-unwritten-back dirty copy
}

// HasLivePointer reports whether at least one pointer in v is non-stale
// with respect to devs — spec §3 invariant: "at least one pointer per
// extent is non-stale".
func (v Value) HasLivePointer(devs []*device.Device) bool {
	for _, p := range v.Ptrs {
		if p.DeviceIdx < 0 || p.DeviceIdx >= len(devs) {
			continue
		}
		bucket := uint32(p.Sector) / devs[p.DeviceIdx].BucketSize
		if err := devs[p.DeviceIdx].CheckGeneration(bucket, p.Generation); err == nil {
			return true
		}
	}
	return false
}

// Bucket returns the bucket index a pointer falls in on its device.
func (p Ptr) Bucket(d *device.Device) uint32 {
	return uint32(p.Sector) / d.BucketSize
}

// End returns the exclusive end offset of the logical range key k covers.
func (k Key) End() uint64 { return k.Offset }

// Start returns the inclusive start offset of the logical range key k
// covers.
func (k Key) Start() uint64 { return k.Offset - uint64(k.Size) }

// Overlaps reports whether k's logical range intersects [start, end) on
// the same inode.
func (k Key) Overlaps(inode, start, end uint64) bool {
	if k.Inode != inode {
		return false
	}
	return k.Start() < end && start < k.End()
}
