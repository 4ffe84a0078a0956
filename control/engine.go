package control

import "github.com/google/uuid"

// Engine is the narrow surface the control tree's command-style
// attributes (spec §6) call into. cmd/bcached supplies the concrete
// implementation wiring these to device.Set, alloc.Pool, and router.CachedDevice;
// control itself stays ignorant of those packages' internals so it can be
// tested against a fake.
type Engine interface {
	// Attach brings a cached device online under the named cache set.
	Attach(cachedDevicePath string, setUUID uuid.UUID) error
	// Detach takes a cached device back out of the set (spec §6 "detach").
	Detach(cachedDevicePath string) error
	// Stop shuts the whole cache set down cleanly.
	Stop() error
	// Unregister removes a device's registration without requiring it to
	// be attached (spec §6 "unregister").
	Unregister(devicePath string) error
	// AddDevice registers a new backing device to the set.
	AddDevice(devicePath string, tier int) error
	// TriggerGC kicks the moving/copying-GC pass. Out of this core's scope
	// per the tiering-scheduler Non-goal (spec §1); see StubEngine/ops.go.
	TriggerGC() error
	// PruneCache evicts clean cache entries down to a target occupancy.
	PruneCache(targetPercent int) error
	// CreateVolume creates a new logical block-device volume backed by
	// the cache set.
	CreateVolume(name string, sizeBytes int64) (uuid.UUID, error)
}
