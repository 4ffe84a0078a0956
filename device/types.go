package device

// BucketState is the state of one bucket. Every bucket has exactly one at
// any instant.
type BucketState uint8

const (
	// Free: on some free list, content undefined.
	Free BucketState = iota
	// Open: reserved by an open bucket; sectors being appended.
	Open
	// Dirty: contains at least one live dirty sector.
	Dirty
	// Cached: contains only clean cached sectors.
	Cached
	// Meta: holds B-tree node or journal data.
	Meta
)

func (s BucketState) String() string {
	switch s {
	case Free:
		return "free"
	case Open:
		return "open"
	case Dirty:
		return "dirty"
	case Cached:
		return "cached"
	case Meta:
		return "meta"
	default:
		return "unknown"
	}
}

// Reserve identifies one of the four per-device reserve fifos. Lower value
// means higher priority; metadata reserves are strictly <= Btree.
type Reserve int

const (
	ReservePrio Reserve = iota
	ReserveBtree
	ReserveMovingGC
	ReserveNone
	numReserves
)

func (r Reserve) String() string {
	switch r {
	case ReservePrio:
		return "prio"
	case ReserveBtree:
		return "btree"
	case ReserveMovingGC:
		return "moving-gc"
	case ReserveNone:
		return "none"
	default:
		return "unknown"
	}
}

// ReplacementPolicy selects reclaim candidate order for the allocator
// worker: bch_member.replacement in the original on-disk member table.
type ReplacementPolicy uint8

const (
	ReplacementLRU ReplacementPolicy = iota
	ReplacementFIFO
	ReplacementRandom
)

// MemberState mirrors the original bch_member state bits.
type MemberState uint8

const (
	MemberActive MemberState = iota
	MemberReadOnly
	MemberFailed
	MemberSpare
)

// ChecksumType selects the checksum algorithm a device's writes use. The
// original computes this per-write from the target device rather than a
// single global default (original_source/libbcache/request.c); this port
// keeps that per-device attribute.
type ChecksumType uint8

const (
	ChecksumNone ChecksumType = iota
	ChecksumCRC32C
	ChecksumCRC64
)

// CompressionType selects the compression codec a write should use. Actual
// codecs are out of scope; the pipeline only needs the tag.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
	CompressionZstd
)

// RW distinguishes read and write priority clocks / accounting.
type RW uint8

const (
	Read RW = iota
	Write
)
