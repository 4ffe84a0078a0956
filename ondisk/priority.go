package ondisk

import (
	"bytes"
	"io"
)

// PriorityEntry is one bucket's persisted aging state: generation plus
// both priority-clock hands, the minimum needed to reconstruct reclaim
// order after a restart (spec §4.1 "priority clock").
type PriorityEntry struct {
	Generation uint16
	ReadPrio   uint16
	WritePrio  uint16
}

// PrioritySet is one device's full bucket table, written out separately
// from the superblock since it is rewritten far more often (every GC
// pass) while the superblock is nearly static.
type PrioritySet struct {
	DeviceIdx int32
	Entries   []PriorityEntry
}

// Encode serializes ps to w with a trailing CRC32C.
func (ps *PrioritySet) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := writeUint32(&buf, uint32(ps.DeviceIdx)); err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(ps.Entries))); err != nil {
		return err
	}
	for _, e := range ps.Entries {
		fields := []uint16{e.Generation, e.ReadPrio, e.WritePrio}
		for _, f := range fields {
			if err := writeUint32(&buf, uint32(f)); err != nil {
				return err
			}
		}
	}
	sum := checksum(buf.Bytes())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return writeUint32(w, sum)
}

// DecodePrioritySet reads and validates a priority set previously written
// by Encode.
func DecodePrioritySet(r io.Reader) (*PrioritySet, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	payload, sumBytes, err := splitChecksum(raw)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum("ondisk.DecodePrioritySet", payload, byteOrder.Uint32(sumBytes)); err != nil {
		return nil, err
	}

	br := bytes.NewReader(payload)
	ps := &PrioritySet{}
	idx, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	ps.DeviceIdx = int32(idx)
	n, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	ps.Entries = make([]PriorityEntry, n)
	for i := range ps.Entries {
		gen, err := readUint32(br)
		if err != nil {
			return nil, err
		}
		read, err := readUint32(br)
		if err != nil {
			return nil, err
		}
		write, err := readUint32(br)
		if err != nil {
			return nil, err
		}
		ps.Entries[i] = PriorityEntry{
			Generation: uint16(gen),
			ReadPrio:   uint16(read),
			WritePrio:  uint16(write),
		}
	}
	return ps, nil
}
