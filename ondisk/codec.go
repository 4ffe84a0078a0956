// Package ondisk implements the wire formats persisted to a backing
// device: the superblock, the per-device priority set, journal entries,
// and the B-tree node bset chain (spec §6 "on-disk formats"). Every
// format is a fixed-field struct encoded with encoding/binary, in the
// offset-documented style of zchee-go-qcow2's header, with a trailing
// CRC32C checksum in the versioned-header style of the ext4 superblock.
package ondisk

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/blockcache/bcached/errs"
)

var byteOrder = binary.LittleEndian

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes the CRC32C of b, the algorithm every wire format in
// this package uses for its trailing integrity field.
func checksum(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// verifyChecksum recomputes the checksum over payload and compares it to
// want, returning errs.Corrupted on mismatch.
func verifyChecksum(op string, payload []byte, want uint32) error {
	if got := checksum(payload); got != want {
		return errs.New(errs.Corrupted, op)
	}
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}

// splitChecksum divides a decoded blob into its payload and trailing
// 4-byte CRC32C, common to every format in this package.
func splitChecksum(raw []byte) (payload, sum []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, errs.New(errs.Corrupted, "ondisk.splitChecksum")
	}
	return raw[:len(raw)-4], raw[len(raw)-4:], nil
}
