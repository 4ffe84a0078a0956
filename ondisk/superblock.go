package ondisk

import (
	"bytes"
	"io"

	natomic "github.com/natefinch/atomic"

	"github.com/google/uuid"

	"github.com/blockcache/bcached/device"
	"github.com/blockcache/bcached/errs"
)

// Magic identifies a valid superblock. Chosen arbitrarily; no relation to
// any real on-disk format.
const Magic uint64 = 0xb1a5c0ffee000001

// SuperblockVersion is bumped whenever a field is added or reinterpreted.
const SuperblockVersion uint32 = 1

// MemberRecord is one device's entry in the superblock's member table,
// the wire form of device.Device's immutable geometry (spec §3
// supplemental "bch_member").
type MemberRecord struct {
	UUID           uuid.UUID
	Tier           uint32
	BucketSize     uint32
	NBuckets       uint32
	FirstBucket    uint32
	Replacement    device.ReplacementPolicy
	State          device.MemberState
	DiscardSupport bool
	ChecksumType   device.ChecksumType
}

// Superblock is the whole-set header: set identity plus every member
// device's geometry. One copy lives at a fixed offset on every member
// device, per spec §6.
type Superblock struct {
	Magic    uint64
	Version  uint32
	SetUUID  uuid.UUID
	Label    string
	Members  []MemberRecord
}

// Encode serializes sb to w, ending with a CRC32C of everything written
// before it.
func (sb *Superblock) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := writeUint64(&buf, sb.Magic); err != nil {
		return err
	}
	if err := writeUint32(&buf, sb.Version); err != nil {
		return err
	}
	if _, err := buf.Write(sb.SetUUID[:]); err != nil {
		return err
	}
	label := make([]byte, 32)
	copy(label, sb.Label)
	if _, err := buf.Write(label); err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(sb.Members))); err != nil {
		return err
	}
	for i := range sb.Members {
		if err := encodeMember(&buf, &sb.Members[i]); err != nil {
			return err
		}
	}
	sum := checksum(buf.Bytes())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return writeUint32(w, sum)
}

func encodeMember(w io.Writer, m *MemberRecord) error {
	if _, err := w.Write(m.UUID[:]); err != nil {
		return err
	}
	fields := []uint32{
		m.Tier, m.BucketSize, m.NBuckets, m.FirstBucket,
		uint32(m.Replacement), uint32(m.State), uint32(m.ChecksumType),
	}
	for _, f := range fields {
		if err := writeUint32(w, f); err != nil {
			return err
		}
	}
	discard := byte(0)
	if m.DiscardSupport {
		discard = 1
	}
	_, err := w.Write([]byte{discard})
	return err
}

func decodeMember(r io.Reader) (MemberRecord, error) {
	var m MemberRecord
	if _, err := io.ReadFull(r, m.UUID[:]); err != nil {
		return m, err
	}
	vals := make([]uint32, 7)
	for i := range vals {
		v, err := readUint32(r)
		if err != nil {
			return m, err
		}
		vals[i] = v
	}
	m.Tier, m.BucketSize, m.NBuckets, m.FirstBucket = vals[0], vals[1], vals[2], vals[3]
	m.Replacement = device.ReplacementPolicy(vals[4])
	m.State = device.MemberState(vals[5])
	m.ChecksumType = device.ChecksumType(vals[6])
	var discard [1]byte
	if _, err := io.ReadFull(r, discard[:]); err != nil {
		return m, err
	}
	m.DiscardSupport = discard[0] != 0
	return m, nil
}

// Decode reads and validates a superblock previously written by Encode,
// including its trailing checksum.
func Decode(r io.Reader) (*Superblock, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	payload, sumBytes, err := splitChecksum(raw)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum("ondisk.Decode", payload, byteOrder.Uint32(sumBytes)); err != nil {
		return nil, err
	}

	br := bytes.NewReader(payload)
	sb := &Superblock{}
	if sb.Magic, err = readUint64(br); err != nil {
		return nil, err
	}
	if sb.Magic != Magic {
		return nil, errs.New(errs.Corrupted, "ondisk.Decode: bad magic")
	}
	if sb.Version, err = readUint32(br); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(br, sb.SetUUID[:]); err != nil {
		return nil, err
	}
	label := make([]byte, 32)
	if _, err := io.ReadFull(br, label); err != nil {
		return nil, err
	}
	sb.Label = string(bytes.TrimRight(label, "\x00"))
	n, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	sb.Members = make([]MemberRecord, n)
	for i := range sb.Members {
		m, err := decodeMember(br)
		if err != nil {
			return nil, err
		}
		sb.Members[i] = m
	}
	return sb, nil
}

// WriteFile atomically persists sb to path: write-temp-then-rename via
// natefinch/atomic, so a crash mid-write never leaves a torn superblock
// (spec §6; same pattern calvinalkan-agent-task uses for its own config
// writes).
func (sb *Superblock) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := sb.Encode(&buf); err != nil {
		return err
	}
	return natomic.WriteFile(path, &buf)
}

// ReadSuperblockFile reads and decodes the superblock at path.
func ReadSuperblockFile(path string, open func(string) (io.ReadCloser, error)) (*Superblock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
