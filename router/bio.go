// Package router implements the request routing / cache-decision path
// (spec §4.4, component H): the block-device front door that inspects
// each bio, decides bypass vs. cache vs. writeback, and drives the
// extents tree and write pipeline accordingly.
package router

const sectorSize = 512

// BioFlags mirrors the control flags spec §4.4 names on a bio.
type BioFlags uint32

const (
	FlagPreflush BioFlags = 1 << iota
	FlagFUA
	FlagDiscard
	FlagSync
	FlagMeta
	FlagRahead
)

// Has reports whether f includes bit.
func (f BioFlags) Has(bit BioFlags) bool { return f&bit != 0 }

// Bio is one logical I/O descriptor (spec §3 "bio"): direction, sector,
// length, and flags. Data must be exactly Length*512 bytes: the write
// path reads from it, the read path fills it.
type Bio struct {
	Write  bool
	Sector uint64 // starting logical sector
	Length uint32 // length in sectors
	Flags  BioFlags
	Data   []byte
}

func (b Bio) byteOffset() uint64 { return b.Sector * sectorSize }
func (b Bio) byteLength() uint64 { return uint64(b.Length) * sectorSize }

// aligned reports whether b starts and ends on a blockSizeSectors
// boundary (spec §4.4 condition 3, "Unaligned to block size").
func (b Bio) aligned(blockSizeSectors uint32) bool {
	if blockSizeSectors == 0 {
		return true
	}
	return b.Sector%uint64(blockSizeSectors) == 0 && b.Length%blockSizeSectors == 0
}

// slice returns the portion of b.Data covering [fromByte, fromByte+n)
// measured from the start of the whole cache set's logical address space,
// i.e. fromByte must fall within [b.byteOffset(), b.byteOffset()+b.byteLength()).
func (b Bio) slice(fromByte, n uint64) []byte {
	start := fromByte - b.byteOffset()
	return b.Data[start : start+n]
}

func sectorsOf(byteOff uint64) uint64 { return byteOff / sectorSize }
