package ondisk

import (
	"bytes"
	"io"

	"github.com/blockcache/bcached/extent"
)

// KeyFormat packs the common bit-widths a node's keys share, letting the
// encoder avoid repeating self-describing tags per key; computing one
// from the actual key range is left to the writeback path (Non-goal:
// this core stores every key at full width, but the struct documents
// where bkeyFormat plugs in, per spec §6).
type KeyFormat struct {
	InodeBits  uint8
	OffsetBits uint8
	SizeBits   uint8
}

// DefaultKeyFormat is the fixed full-width format this core always
// writes; a real implementation would derive a tighter one per node from
// its min/max keys.
var DefaultKeyFormat = KeyFormat{InodeBits: 64, OffsetBits: 64, SizeBits: 32}

// KeyRecord is one key/value pair in a node's bset.
type KeyRecord struct {
	Key   extent.Key
	Value extent.Value
}

// NodeRecord is the on-disk form of a B-tree node: a single bset (this
// core always compacts to one on write, rather than keeping the
// teacher-era multi-bset append chain a live kernel node would use
// between writes).
type NodeRecord struct {
	Level   uint8
	BtreeID uint8
	Min     extent.Key
	Max     extent.Key
	Format  KeyFormat
	Keys    []KeyRecord
}

// Encode serializes n to w with a trailing CRC32C.
func (n *NodeRecord) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := buf.WriteByte(n.Level); err != nil {
		return err
	}
	if err := buf.WriteByte(n.BtreeID); err != nil {
		return err
	}
	if err := encodeKey(&buf, n.Min); err != nil {
		return err
	}
	if err := encodeKey(&buf, n.Max); err != nil {
		return err
	}
	fmtFields := []byte{n.Format.InodeBits, n.Format.OffsetBits, n.Format.SizeBits}
	if _, err := buf.Write(fmtFields); err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(n.Keys))); err != nil {
		return err
	}
	for _, kv := range n.Keys {
		if err := encodeKey(&buf, kv.Key); err != nil {
			return err
		}
		if err := buf.WriteByte(byte(kv.Value.Type)); err != nil {
			return err
		}
		dirty := byte(0)
		if kv.Value.Dirty {
			dirty = 1
		}
		if err := buf.WriteByte(dirty); err != nil {
			return err
		}
		if err := writeUint32(&buf, uint32(len(kv.Value.Ptrs))); err != nil {
			return err
		}
		for _, p := range kv.Value.Ptrs {
			if err := encodePtr(&buf, p); err != nil {
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

func encodeKey(w io.Writer, k extent.Key) error {
	if err := writeUint64(w, k.Inode); err != nil {
		return err
	}
	if err := writeUint64(w, k.Offset); err != nil {
		return err
	}
	return writeUint32(w, k.Size)
}

func decodeKey(r io.Reader) (extent.Key, error) {
	var k extent.Key
	var err error
	if k.Inode, err = readUint64(r); err != nil {
		return k, err
	}
	if k.Offset, err = readUint64(r); err != nil {
		return k, err
	}
	if k.Size, err = readUint32(r); err != nil {
		return k, err
	}
	return k, nil
}

// DecodeNodeRecord reads and validates a node record previously written
// by Encode.
func DecodeNodeRecord(r io.Reader) (*NodeRecord, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	payload, sumBytes, err := splitChecksum(raw)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum("ondisk.DecodeNodeRecord", payload, byteOrder.Uint32(sumBytes)); err != nil {
		return nil, err
	}

	br := bytes.NewReader(payload)
	n := &NodeRecord{}
	if n.Level, err = br.ReadByte(); err != nil {
		return nil, err
	}
	if n.BtreeID, err = br.ReadByte(); err != nil {
		return nil, err
	}
	if n.Min, err = decodeKey(br); err != nil {
		return nil, err
	}
	if n.Max, err = decodeKey(br); err != nil {
		return nil, err
	}
	var fmtFields [3]byte
	if _, err := io.ReadFull(br, fmtFields[:]); err != nil {
		return nil, err
	}
	n.Format = KeyFormat{InodeBits: fmtFields[0], OffsetBits: fmtFields[1], SizeBits: fmtFields[2]}
	count, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	n.Keys = make([]KeyRecord, count)
	for i := range n.Keys {
		k, err := decodeKey(br)
		if err != nil {
			return nil, err
		}
		typ, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		dirty, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		nptrs, err := readUint32(br)
		if err != nil {
			return nil, err
		}
		ptrs := make([]extent.Ptr, nptrs)
		for j := range ptrs {
			p, err := decodePtr(br)
			if err != nil {
				return nil, err
			}
			ptrs[j] = p
		}
		n.Keys[i] = KeyRecord{
			Key: k,
			Value: extent.Value{
				Type:  extent.KeyType(typ),
				Dirty: dirty != 0,
				Ptrs:  ptrs,
			},
		}
	}
	return n, nil
}
