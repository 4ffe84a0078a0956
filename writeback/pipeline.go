package writeback

import (
	"context"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/btree"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
	"github.com/blockcache/bcached/metrics"
)

const sectorSize = 512

// segmentBytes bounds how much of a write this pipeline processes through
// one allocation+write+insert cycle, per spec §4.5 "Per 64-128 KiB
// segment". 128 sectors is the 64KiB low end of that range; a caller
// writing more just drives the pipeline once per segment.
const segmentBytes = 128 * sectorSize

// defaultMaxRetries bounds how many times writeSegment retries after a
// replica-failure short of required_replicas before giving up with
// IOError. See writeSegment for which buckets a retry lands on.
const defaultMaxRetries = 2

// Flags mirrors the write op flag set spec §4.5 names: CACHED, FLUSH,
// DISCARD, ALLOC_NOWAIT, DISCARD_ON_ERROR.
type Flags uint8

const (
	FlagCached Flags = 1 << iota
	FlagFlush
	FlagDiscard
	FlagAllocNowait
	FlagDiscardOnError
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Flusher is the optional narrow interface a Journaler may also satisfy to
// support the FLUSH flag (journal_flush_seq(J), spec §5 "Ordering
// guarantees"). btree.Journaler itself has no Flush method, so this is
// checked with a type assertion rather than widening that interface.
type Flusher interface {
	WaitForFlush(ctx context.Context, seq uint64) error
}

// Pipeline implements bch_data_insert / the extent write pipeline (spec
// §4.5): it turns a logical write into one or more inserted extent keys.
type Pipeline struct {
	Tree       *btree.Tree
	Pool       *alloc.Pool
	Allocs     map[*device.Device]*alloc.Allocator
	Set        *device.Set
	Journal    btree.Journaler
	Metrics    *metrics.Set
	Log        bcachelog.Logger
	Compressor Compressor
	MaxRetries int
}

func (p *Pipeline) compressor() Compressor {
	if p.Compressor != nil {
		return p.Compressor
	}
	return NoopCompressor
}

func (p *Pipeline) maxRetries() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return defaultMaxRetries
}

func (p *Pipeline) countIOError() {
	if p.Metrics != nil {
		p.Metrics.IOErrors.Add(1)
	}
}

func (p *Pipeline) countSectorsWritten(n uint64) {
	if p.Metrics != nil {
		p.Metrics.SectorsWritten.Add(n)
	}
}

func sectorsFor(nBytes int) uint32 {
	return uint32((nBytes + sectorSize - 1) / sectorSize)
}

// Write implements the pipeline's write entry point for the logical range
// [offset, offset+len(data)) of inode. It segments data per segmentBytes,
// acquiring sectors, writing replicas, and inserting one extent key per
// segment. On a segment's terminal failure, FlagDiscardOnError downgrades
// it to a discard of that segment's range instead of failing the whole
// write (spec §4.5 "DISCARD_ON_ERROR turns a terminal failure into a
// discard of the logical range").
func (p *Pipeline) Write(ctx context.Context, inode, offset uint64, data []byte, wp *alloc.WritePoint, replicas, requiredReplicas int, reserve device.Reserve, flags Flags) ([]extent.Key, error) {
	var keys []extent.Key
	pos := offset
	for len(data) > 0 {
		n := len(data)
		if n > segmentBytes {
			n = segmentBytes
		}
		seg := data[:n]
		data = data[n:]

		k, err := p.writeSegment(ctx, inode, pos, seg, wp, replicas, requiredReplicas, reserve, flags)
		if err != nil {
			if flags.has(FlagDiscardOnError) {
				if derr := p.Discard(ctx, inode, pos, uint64(len(seg))); derr != nil {
					return keys, derr
				}
				pos += uint64(len(seg))
				continue
			}
			return keys, err
		}
		keys = append(keys, k)
		pos += uint64(len(seg))
	}
	return keys, nil
}

// writeSegment runs one allocation+write+insert cycle for a single
// segment, retrying when fewer than requiredReplicas land (spec §4.5
// failure classes). Each retry calls AllocSectorsStart again, which hands
// back the write point's current open bucket while it still has free
// sectors, so a retry reaches fresh buckets only once that one is used up.
func (p *Pipeline) writeSegment(ctx context.Context, inode, offset uint64, seg []byte, wp *alloc.WritePoint, replicas, requiredReplicas int, reserve device.Reserve, flags Flags) (extent.Key, error) {
	out, ctype, err := p.compressor().Compress(seg)
	if err != nil {
		return extent.Key{}, errs.Wrap(errs.IOError, "writeback.Write", err)
	}
	sectors := sectorsFor(len(out))
	cached := flags.has(FlagCached)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries(); attempt++ {
		ob, err := p.Pool.AllocSectorsStart(ctx, wp, p.Allocs, replicas, reserve, !flags.has(FlagAllocNowait))
		if err != nil {
			return extent.Key{}, err
		}

		targets := ob.ReplicaTargets()
		ok := make([]bool, len(targets))
		nOK := 0
		for i, tgt := range targets {
			if werr := tgt.Device.Backend.WriteAt(ctx, tgt.Sector, out); werr != nil {
				p.countIOError()
				if p.Log != nil {
					p.Log.Printf("writeback: write to %s bucket %d failed: %v", tgt.Device.Path, tgt.Bucket, werr)
				}
				lastErr = werr
				continue
			}
			ok[i] = true
			nOK++
		}

		var ptrs []extent.Ptr
		for i, tgt := range targets {
			if ok[i] {
				ptrs = append(ptrs, alloc.AppendPointer(p.Pool, ob, i, sectors, cached, tgt.Device.ChecksumType))
			}
		}
		ob.ConsumeSectors(sectors)
		alloc.Done(ob, cached)

		if nOK < requiredReplicas {
			continue // retry through AllocSectorsStart
		}

		for i := range ptrs {
			ptrs[i].Compression = ctype
		}
		k := extent.Key{Inode: inode, Offset: offset + uint64(len(seg)), Size: uint32(len(seg))}
		v := extent.Value{Type: extent.KeyTypeExtent, Ptrs: ptrs, Dirty: !cached}

		it := p.Tree.NewIter(k, 0)
		seq, err := p.Tree.Insert(it, k, v, p.Journal)
		it.Close()
		if err != nil {
			return extent.Key{}, err
		}
		if flags.has(FlagFlush) {
			if f, ok := p.Journal.(Flusher); ok {
				if err := f.WaitForFlush(ctx, seq); err != nil {
					return extent.Key{}, errs.Wrap(errs.IOError, "writeback.Write", err)
				}
			}
		}
		p.countSectorsWritten(uint64(sectors))
		return k, nil
	}
	return extent.Key{}, errs.Wrap(errs.IOError, "writeback.Write", lastErr)
}

// Discard implements the logical-range discard the write path issues for
// BYPASS/DISCARD writes (spec §4.4 "also issue a discard of the covered
// range in the extents tree to invalidate cached copies") and the
// DISCARD_ON_ERROR downgrade path above: it inserts a KEY_TYPE_DISCARD
// key with no pointers, which peek_with_holes (btree.Iter.PeekWithHoles)
// treats identically to a real hole.
func (p *Pipeline) Discard(ctx context.Context, inode, offset, size uint64) error {
	k := extent.Key{Inode: inode, Offset: offset + size, Size: uint32(size)}
	v := extent.Value{Type: extent.KeyTypeDiscard}
	it := p.Tree.NewIter(k, 0)
	defer it.Close()
	_, err := p.Tree.Insert(it, k, v, p.Journal)
	return err
}

// InsertCheckKey inserts a DISCARD-typed placeholder to reserve a range
// for promotion (spec §4.4 read-miss path: "optionally insert a
// DISCARD-typed placeholder via insert_check_key to reserve the range for
// promotion"), ahead of the backing-device read actually completing.
func (p *Pipeline) InsertCheckKey(ctx context.Context, inode, offset, size uint64) error {
	return p.Discard(ctx, inode, offset, size)
}
