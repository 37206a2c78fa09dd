// Package backstore implements the Block Device Manager and Backstore of
// §4.3/§4.4: a set of initialized devices belonging to one pool, their
// per-device extent allocators, and the logic that presents a logically
// contiguous cap device backed by those extents with an optional cache
// tier in front.
package backstore

import (
	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/allocator"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// Device is one initialized member device tracked by a BlockDevManager.
type Device struct {
	Id          uuid.UUID
	Path        string
	Role        stratis.DeviceRole
	State       stratis.BlockDevState
	UsableStart stratis.Sectors // sectors reserved for the BDA come before this
	TotalUsable stratis.Sectors
	Alloc       *allocator.Allocator
}

// BlockDevManager is the set of initialized devices belonging to one pool
// and tier, tracking per-device usable extents (§4.3).
type BlockDevManager struct {
	devices map[uuid.UUID]*Device
	order   []uuid.UUID // insertion order; metadata saves iterate devices in this order (§5)
}

func NewBlockDevManager() *BlockDevManager {
	return &BlockDevManager{devices: make(map[uuid.UUID]*Device)}
}

// Add registers a newly initialized device with usableSectors of allocatable
// space beyond its BDA.
func (m *BlockDevManager) Add(id uuid.UUID, path string, role stratis.DeviceRole, usableSectors stratis.Sectors) *Device {
	dev := &Device{
		Id:          id,
		Path:        path,
		Role:        role,
		State:       stratis.BlockDevNotInUse,
		TotalUsable: usableSectors,
		Alloc:       allocator.New(usableSectors),
	}
	m.devices[id] = dev
	m.order = append(m.order, id)
	return dev
}

// Remove drops a device from the manager. Callers must ensure no live
// consumer still owns extents on it.
func (m *BlockDevManager) Remove(id uuid.UUID) {
	delete(m.devices, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Grow extends dev's usable range when the underlying disk has grown
// (§4.4 grow_physical).
func (m *BlockDevManager) Grow(id uuid.UUID, newUsableSectors stratis.Sectors) {
	dev, ok := m.devices[id]
	if !ok || newUsableSectors <= dev.TotalUsable {
		return
	}
	delta := newUsableSectors - dev.TotalUsable
	dev.Alloc.Free(allocator.Extent{Start: dev.TotalUsable, Length: delta})
	dev.TotalUsable = newUsableSectors
}

// Devices returns the managed devices in the stable order §5 requires
// metadata saves to iterate in.
func (m *BlockDevManager) Devices() []*Device {
	out := make([]*Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id])
	}
	return out
}

func (m *BlockDevManager) Get(id uuid.UUID) (*Device, bool) {
	d, ok := m.devices[id]
	return d, ok
}

// TotalAvailable sums the free (unallocated) sectors across all managed
// devices.
func (m *BlockDevManager) TotalAvailable() stratis.Sectors {
	var total stratis.Sectors
	for _, d := range m.devices {
		total += d.Alloc.Available()
	}
	return total
}
