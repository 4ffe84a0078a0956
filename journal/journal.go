// Package journal implements the append-only sequence log the write
// pipeline commits every B-tree insert through before it is visible, and
// that mount-time recovery replays (spec §4.5 "journal entry carrying
// the insert's sequence"; original_source/libbcache/btree_cache.c's
// journal_replay). It satisfies btree.Journaler so package btree never
// needs to import it.
package journal

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/blockcache/bcached/alloc"
	"github.com/blockcache/bcached/btree"
	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
	"github.com/blockcache/bcached/ondisk"
)

const sectorSize = 512

// Journal is a single-device circular append log. It is deliberately the
// simplest thing that can satisfy btree.Journaler and a replay-on-mount
// scan: one contiguous region of a device, written forward and wrapped
// when it runs out, never compacted by this core (a real implementation
// would retire the region behind the oldest un-checkpointed B-tree write
// and is out of scope per spec §1 non-goals around tiering/GC scheduling).
type Journal struct {
	backend     device.Backend
	startSector uint64
	nSectors    uint64

	mu       sync.Mutex
	writeOff uint64 // sector offset within [startSector, startSector+nSectors)

	seq     atomic.Uint64
	flushed atomic.Uint64
	waiters alloc.WaitQueue
}

// New constructs a Journal writing into the sector range
// [startSector, startSector+nSectors) of backend.
func New(backend device.Backend, startSector, nSectors uint64) *Journal {
	return &Journal{backend: backend, startSector: startSector, nSectors: nSectors}
}

// AppendInsert implements btree.Journaler: encode e, write it at the
// journal's current tail, advance the tail (wrapping at the region
// boundary), and make the new sequence visible to flush waiters. Uses a
// background context since the narrow Journaler interface btree depends
// on carries none; callers needing cancellation should use WaitForFlush
// directly instead of going through an Iter-driven Insert.
func (j *Journal) AppendInsert(btreeID btree.BtreeID, k extent.Key, v extent.Value) (uint64, error) {
	seq := j.seq.Add(1)
	e := &ondisk.JournalEntry{Seq: seq, BtreeID: uint8(btreeID), Key: k, Value: v}

	var buf bytes.Buffer
	if err := e.Encode(&buf); err != nil {
		return 0, errs.Wrap(errs.IOError, "journal.AppendInsert", err)
	}
	padded := padToSector(buf.Bytes())

	j.mu.Lock()
	off := j.writeOff
	nSec := uint64(len(padded)) / sectorSize
	if off+nSec > j.nSectors {
		off = 0 // wrap: the oldest region is overwritten, per the scope note above
	}
	j.writeOff = off + nSec
	j.mu.Unlock()

	if err := j.backend.WriteAt(context.Background(), j.startSector+off, padded); err != nil {
		return 0, errs.Wrap(errs.IOError, "journal.AppendInsert", err)
	}
	if err := j.backend.Flush(context.Background()); err != nil {
		return 0, errs.Wrap(errs.IOError, "journal.AppendInsert", err)
	}

	j.flushed.Store(seq)
	j.waiters.WakeAll()
	return seq, nil
}

// WaitForFlush implements journal_flush_seq(J): blocks until every insert
// up to and including seq has been durably written, or ctx is cancelled.
func (j *Journal) WaitForFlush(ctx context.Context, seq uint64) error {
	for {
		if j.flushed.Load() >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.waiters.Park():
		}
	}
}

// Replay scans the journal region from its start and calls fn for every
// entry found, in order, stopping cleanly at the first gap (unwritten
// tail) or torn/corrupted entry. Intended to be called once at mount,
// before any Allocator or Tree starts accepting new writes.
//
// Every entry was padded up to a whole number of sectors on write
// (padToSector), so after each successful decode the reader is
// re-aligned to the next sector boundary by discarding its buffer rather
// than leaving it mid-entry on padding bytes.
func (j *Journal) Replay(ctx context.Context, fn func(*ondisk.JournalEntry) error) error {
	r := &backendReader{ctx: ctx, backend: j.backend, sector: j.startSector, limit: j.startSector + j.nSectors}
	for {
		e, err := ondisk.DecodeJournalEntry(r)
		r.buf.Reset()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			if errs.Is(err, errs.Corrupted) {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func padToSector(b []byte) []byte {
	rem := len(b) % sectorSize
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, sectorSize-rem)...)
}

// backendReader adapts device.Backend's sector-addressed ReadAt into a
// streaming io.Reader, one sector at a time, so Replay can decode entries
// from it with ondisk.DecodeJournalEntry.
type backendReader struct {
	ctx     context.Context
	backend device.Backend
	sector  uint64
	limit   uint64
	buf     bytes.Buffer
}

func (r *backendReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.sector >= r.limit {
			return 0, io.EOF
		}
		sec := make([]byte, sectorSize)
		if err := r.backend.ReadAt(r.ctx, r.sector, sec); err != nil {
			return 0, err
		}
		r.sector++
		r.buf.Write(sec)
	}
	return r.buf.Read(p)
}
