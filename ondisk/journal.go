package ondisk

import (
	"bytes"
	"io"

	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
	"github.com/blockcache/bcached/extent"
)

// JournalEntry is one persisted insert record: spec §4.5's "journal
// entry carrying the insert's sequence". A sequence of these, appended
// in order and scanned forward at mount time, is journal_replay's input.
type JournalEntry struct {
	Seq     uint64
	BtreeID uint8
	Key     extent.Key
	Value   extent.Value
}

// Encode serializes e to w with a trailing CRC32C over everything
// preceding it, so a torn write at the tail of the journal region is
// detectable and treated as the end of valid log.
func (e *JournalEntry) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := writeUint64(&buf, e.Seq); err != nil {
		return err
	}
	if err := buf.WriteByte(e.BtreeID); err != nil {
		return err
	}
	if err := writeUint64(&buf, e.Key.Inode); err != nil {
		return err
	}
	if err := writeUint64(&buf, e.Key.Offset); err != nil {
		return err
	}
	if err := writeUint32(&buf, e.Key.Size); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(e.Value.Type)); err != nil {
		return err
	}
	dirty := byte(0)
	if e.Value.Dirty {
		dirty = 1
	}
	if err := buf.WriteByte(dirty); err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(e.Value.Ptrs))); err != nil {
		return err
	}
	for _, p := range e.Value.Ptrs {
		if err := encodePtr(&buf, p); err != nil {
			return err
		}
	}
	sum := checksum(buf.Bytes())
	if err := writeUint32(w, uint32(buf.Len())); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return writeUint32(w, sum)
}

func encodePtr(w io.Writer, p extent.Ptr) error {
	if err := writeUint32(w, uint32(p.DeviceIdx)); err != nil {
		return err
	}
	if err := writeUint64(w, p.Sector); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(p.Generation)); err != nil {
		return err
	}
	cached := byte(0)
	if p.Cached {
		cached = 1
	}
	_, err := w.Write([]byte{byte(p.Checksum), byte(p.Compression), cached})
	return err
}

func decodePtr(r io.Reader) (extent.Ptr, error) {
	var p extent.Ptr
	idx, err := readUint32(r)
	if err != nil {
		return p, err
	}
	p.DeviceIdx = int(idx)
	if p.Sector, err = readUint64(r); err != nil {
		return p, err
	}
	gen, err := readUint32(r)
	if err != nil {
		return p, err
	}
	p.Generation = uint16(gen)
	var tail [3]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return p, err
	}
	p.Checksum = device.ChecksumType(tail[0])
	p.Compression = device.CompressionType(tail[1])
	p.Cached = tail[2] != 0
	return p, nil
}

// DecodeJournalEntry reads one length-prefixed, checksummed entry from r.
// Returns io.EOF cleanly when r is exhausted between entries (the normal
// end of a valid journal region), and errs.Corrupted if a length prefix
// is present but the checksum does not match (a torn or corrupted
// entry, treated as the true end of replayable log per spec §4.5).
func DecodeJournalEntry(r io.Reader) (*JournalEntry, error) {
	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		// A real entry is never empty (it carries at minimum a sequence
		// number and a key); a zero length prefix means we have run off
		// the end of written log into the region's zeroed tail.
		return nil, errs.New(errs.Corrupted, "ondisk.DecodeJournalEntry: zero-length entry")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	sum, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum("ondisk.DecodeJournalEntry", payload, sum); err != nil {
		return nil, err
	}

	br := bytes.NewReader(payload)
	e := &JournalEntry{}
	if e.Seq, err = readUint64(br); err != nil {
		return nil, err
	}
	btreeID, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	e.BtreeID = btreeID
	if e.Key.Inode, err = readUint64(br); err != nil {
		return nil, err
	}
	if e.Key.Offset, err = readUint64(br); err != nil {
		return nil, err
	}
	if e.Key.Size, err = readUint32(br); err != nil {
		return nil, err
	}
	typ, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Value.Type = extent.KeyType(typ)
	dirty, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Value.Dirty = dirty != 0
	n, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	e.Value.Ptrs = make([]extent.Ptr, n)
	for i := range e.Value.Ptrs {
		p, err := decodePtr(br)
		if err != nil {
			return nil, err
		}
		e.Value.Ptrs[i] = p
	}
	return e, nil
}

// ReplayJournal scans r for a run of valid entries starting at the
// current offset, stopping cleanly at io.EOF or at the first corrupted
// or torn entry (whichever the tail of a crash-truncated journal region
// looks like), calling fn for each entry in order.
func ReplayJournal(r io.Reader, fn func(*JournalEntry) error) error {
	for {
		e, err := DecodeJournalEntry(r)
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
