package device

import (
	"sync"
	"sync/atomic"
)

// Set is the whole-cache-set device registry: stable integer indices for
// every member device (what an on-disk extent.Ptr.DeviceIdx actually
// refers to) plus the set-wide read-only escalation a Corrupted error
// triggers (spec §7 "Corrupted escalates to set-wide read-only").
type Set struct {
	mu      sync.Mutex
	byIndex []*Device

	readOnly atomic.Bool
	roErr    atomic.Value // error
}

// NewSet constructs an empty device set.
func NewSet() *Set {
	return &Set{}
}

// Add registers d and returns its stable index, assigned in registration
// order and never reused for the lifetime of the set.
func (s *Set) Add(d *Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.byIndex)
	s.byIndex = append(s.byIndex, d)
	return idx
}

// ByIndex resolves a stable device index back to its Device, or nil if
// out of range.
func (s *Set) ByIndex(i int) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.byIndex) {
		return nil
	}
	return s.byIndex[i]
}

// IndexOf returns d's stable index, or -1 if d is not a member of s.
func (s *Set) IndexOf(d *Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, dd := range s.byIndex {
		if dd == d {
			return i
		}
	}
	return -1
}

// All returns a snapshot of every registered device, in index order.
func (s *Set) All() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, len(s.byIndex))
	copy(out, s.byIndex)
	return out
}

// SetReadOnly escalates the whole set to read-only, the terminal response
// to a Corrupted error (spec §7). Idempotent: only the first call's error
// is retained.
func (s *Set) SetReadOnly(err error) {
	if s.readOnly.CompareAndSwap(false, true) {
		s.roErr.Store(err)
	}
}

// ReadOnly reports whether the set has been escalated to read-only, and
// the error that triggered it.
func (s *Set) ReadOnly() (bool, error) {
	if !s.readOnly.Load() {
		return false, nil
	}
	err, _ := s.roErr.Load().(error)
	return true, err
}
