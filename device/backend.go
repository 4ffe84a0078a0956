package device

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const sectorSize = 512

// Backend is the narrow I/O contract a Device needs from its underlying
// storage; spec §6's block-device surface, reduced to what the core
// actually calls. A real backend talks to a raw block device with
// O_DIRECT; tests use an in-memory fake.
type Backend interface {
	ReadAt(ctx context.Context, sectorOff uint64, buf []byte) error
	WriteAt(ctx context.Context, sectorOff uint64, buf []byte) error
	Discard(ctx context.Context, sectorOff uint64, nSectors uint32) error
	Flush(ctx context.Context) error
	Close() error
}

// FileBackend backs a Device with a regular file or raw block device,
// opened O_DIRECT where the platform supports it, following the teacher's
// own pattern of syscall-level file access (fuse/passthrough*.go) rather
// than buffered os.File I/O.
type FileBackend struct {
	f              *os.File
	discardCapable bool
}

// OpenFileBackend opens path for direct sector-aligned I/O.
func OpenFileBackend(path string, discardCapable bool) (*FileBackend, error) {
	flags := os.O_RDWR
	if err := tryDirectIO(path); err == nil {
		flags |= unixODirect()
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("device.OpenFileBackend: %w", err)
	}
	return &FileBackend{f: f, discardCapable: discardCapable}, nil
}

func tryDirectIO(path string) error {
	// Best-effort capability probe; O_DIRECT has alignment requirements
	// not all filesystems honor identically, so failure here just means
	// we fall back to buffered I/O rather than refusing to open.
	_, err := os.Stat(path)
	return err
}

func unixODirect() int {
	return unix.O_DIRECT
}

func (b *FileBackend) ReadAt(ctx context.Context, sectorOff uint64, buf []byte) error {
	_, err := b.f.ReadAt(buf, int64(sectorOff)*sectorSize)
	return err
}

func (b *FileBackend) WriteAt(ctx context.Context, sectorOff uint64, buf []byte) error {
	_, err := b.f.WriteAt(buf, int64(sectorOff)*sectorSize)
	return err
}

// Discard issues BLKDISCARD-equivalent for the sector range, non-fatal on
// failure per spec §4.1 Failure semantics ("Discard failure is non-fatal
// and logged").
func (b *FileBackend) Discard(ctx context.Context, sectorOff uint64, nSectors uint32) error {
	if !b.discardCapable {
		return nil
	}
	off := int64(sectorOff) * sectorSize
	length := int64(nSectors) * sectorSize
	return unix.Fallocate(int(b.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

func (b *FileBackend) Flush(ctx context.Context) error {
	return b.f.Sync()
}

func (b *FileBackend) Close() error {
	return b.f.Close()
}
