package device

import "sync"

// Group is a tier's round-robin device set, the spec's cache_group. The
// write-point device picker ties-break between devices in the same group
// by rotating cur on each selection (spec §4.1 "tie-break between devices
// inside a group").
type Group struct {
	mu      sync.Mutex
	Name    string
	devices []*Device
	cur     int
}

// NewGroup creates an empty device group.
func NewGroup(name string) *Group {
	return &Group{Name: name}
}

// Add registers d with the group.
func (g *Group) Add(d *Device) {
	g.mu.Lock()
	g.devices = append(g.devices, d)
	g.mu.Unlock()
}

// Remove unregisters d from the group.
func (g *Group) Remove(d *Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, dd := range g.devices {
		if dd == d {
			g.devices = append(g.devices[:i], g.devices[i+1:]...)
			if g.cur >= len(g.devices) {
				g.cur = 0
			}
			return
		}
	}
}

// Next returns the next online device in round-robin order, or nil if the
// group is empty or every member is offline.
func (g *Group) Next() *Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.devices)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		d := g.devices[g.cur]
		g.cur = (g.cur + 1) % n
		if d.Online() {
			return d
		}
	}
	return nil
}

// Devices returns a snapshot of the group's current membership.
func (g *Group) Devices() []*Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Device, len(g.devices))
	copy(out, g.devices)
	return out
}
