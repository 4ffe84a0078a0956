package device

import (
	"context"
	"sync"
)

// MemBackend is an in-memory Backend, used by tests across every package
// that needs a Device without a real block device underneath.
type MemBackend struct {
	mu             sync.Mutex
	data           []byte
	discardCapable bool
	failWrites     bool
}

// NewMemBackend allocates an in-memory backend of the given sector count.
func NewMemBackend(nSectors uint64, discardCapable bool) *MemBackend {
	return &MemBackend{data: make([]byte, nSectors*sectorSize), discardCapable: discardCapable}
}

// FailWrites makes every subsequent WriteAt return an error, used to
// exercise the replicated-write-with-one-device-failing scenario (spec §8
// end-to-end scenario 6).
func (m *MemBackend) FailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

func (m *MemBackend) ReadAt(ctx context.Context, sectorOff uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sectorOff * sectorSize
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func (m *MemBackend) WriteAt(ctx context.Context, sectorOff uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errIOFail
	}
	off := sectorOff * sectorSize
	copy(m.data[off:off+uint64(len(buf))], buf)
	return nil
}

func (m *MemBackend) Discard(ctx context.Context, sectorOff uint64, nSectors uint32) error {
	if !m.discardCapable {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sectorOff * sectorSize
	n := uint64(nSectors) * sectorSize
	for i := uint64(0); i < n; i++ {
		m.data[off+i] = 0
	}
	return nil
}

func (m *MemBackend) Flush(ctx context.Context) error { return nil }
func (m *MemBackend) Close() error                    { return nil }

type memIOError struct{}

func (memIOError) Error() string { return "device: simulated I/O failure" }

var errIOFail = memIOError{}
