package alloc

import (
	"sync"

	"github.com/blockcache/bcached/device"
)

// WritePoint is a named configuration describing how to allocate open
// buckets (spec §3 "Write point"). A write point makes at most one open
// bucket current at a time; switching happens under wp.mu.
type WritePoint struct {
	mu              sync.Mutex
	Name            string
	deviceGroup     *device.Group
	ThrottleOnTier0 bool

	current *OpenBucket
}

// NewWritePoint constructs a named write point targeting the given device
// group.
func NewWritePoint(name string, group *device.Group, throttle bool) *WritePoint {
	return &WritePoint{Name: name, deviceGroup: group, ThrottleOnTier0: throttle}
}

// Current returns the write point's presently attached open bucket, or nil.
func (wp *WritePoint) Current() *OpenBucket {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.current
}
