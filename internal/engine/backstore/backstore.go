package backstore

import (
	"sort"

	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/allocator"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// CapSegment is one linear run of the cap device's device-mapper table,
// backed by a contiguous extent of one member device (§4.4, §6 node naming
// `-physical-originsub`).
type CapSegment struct {
	DeviceId uuid.UUID
	DevPath  string
	Start    stratis.Sectors
	Length   stratis.Sectors
}

// CapTable reloads the cap device's device-mapper table to the segment list
// describing every committed extent, grounded on the anatol/devmapper.go
// CreateAndLoad/LoadTable calls the pack's go-luks2 adapter uses for the
// crypt target; the cap device uses a linear target over the same library
// instead of a crypt one.
type CapTable interface {
	Reload(segments []CapSegment) error
}

// Backstore combines a data tier and an optional cache tier of
// BlockDevManagers, presenting a single allocatable space to callers and
// keeping the cap device's table in sync with what is durably committed
// (§4.4).
type Backstore struct {
	data  *BlockDevManager
	cache *BlockDevManager
	cap   CapTable

	// paths records the device path backing each managed device id, needed
	// to build CapSegments for the reload call.
	paths map[uuid.UUID]string
}

func New(cap CapTable) *Backstore {
	return &Backstore{
		data:  NewBlockDevManager(),
		cache: NewBlockDevManager(),
		cap:   cap,
		paths: make(map[uuid.UUID]string),
	}
}

// InitCache establishes the cache tier from a first batch of cache devices.
// Per the cache invariant (§4.4) a pool either has no cache tier or one that
// is only ever grown; InitCache may be called at most once.
func (b *Backstore) InitCache(devices []struct {
	Id            uuid.UUID
	Path          string
	UsableSectors stratis.Sectors
}) error {
	if len(b.cache.Devices()) > 0 {
		return stratis.New(stratis.Invalid, "cache tier already initialized")
	}
	return b.AddCachedevs(devices)
}

// AddDatadevs registers newly initialized data-tier devices.
func (b *Backstore) AddDatadevs(devices []struct {
	Id            uuid.UUID
	Path          string
	UsableSectors stratis.Sectors
}) error {
	for _, d := range devices {
		b.data.Add(d.Id, d.Path, stratis.RoleData, d.UsableSectors)
		b.paths[d.Id] = d.Path
	}
	return nil
}

// AddCachedevs registers newly initialized cache-tier devices. Cache devices
// may only be added, never removed (§4.4 cache invariant).
func (b *Backstore) AddCachedevs(devices []struct {
	Id            uuid.UUID
	Path          string
	UsableSectors stratis.Sectors
}) error {
	for _, d := range devices {
		b.cache.Add(d.Id, d.Path, stratis.RoleCache, d.UsableSectors)
		b.paths[d.Id] = d.Path
	}
	return nil
}

// GrowPhysical extends a data-tier device's usable range after its
// underlying disk has grown.
func (b *Backstore) GrowPhysical(id uuid.UUID, newUsableSectors stratis.Sectors) {
	if _, ok := b.data.Get(id); ok {
		b.data.Grow(id, newUsableSectors)
		return
	}
	b.cache.Grow(id, newUsableSectors)
}

// Transaction groups the per-device allocator transactions that together
// satisfy one request_alloc call, so they can be committed or aborted as a
// unit.
type Transaction struct {
	subTx []deviceTx
}

type deviceTx struct {
	devId uuid.UUID
	tx    allocator.Transaction
}

// RequestAlloc satisfies each size from the first data-tier device (in
// insertion order) with enough free space, mirroring the Range Allocator's
// own first-fit policy one level up (§4.3, §4.4).
func (b *Backstore) RequestAlloc(sizes []stratis.Sectors) (*Transaction, bool) {
	btx := &Transaction{}
	for _, size := range sizes {
		dev, ok := firstFit(b.data, size)
		if !ok {
			b.AbortAlloc(btx)
			return nil, false
		}
		tx, ok := dev.Alloc.RequestAlloc([]stratis.Sectors{size})
		if !ok {
			b.AbortAlloc(btx)
			return nil, false
		}
		btx.subTx = append(btx.subTx, deviceTx{devId: dev.Id, tx: tx})
	}
	return btx, true
}

func firstFit(mgr *BlockDevManager, size stratis.Sectors) (*Device, bool) {
	for _, d := range mgr.Devices() {
		if d.Alloc.Available() >= size {
			return d, true
		}
	}
	return nil, false
}

// AbortAlloc discards every sub-transaction of tx.
func (b *Backstore) AbortAlloc(tx *Transaction) {
	if tx == nil {
		return
	}
	for _, st := range tx.subTx {
		if dev, ok := b.data.Get(st.devId); ok {
			dev.Alloc.AbortAlloc(st.tx)
		}
	}
}

// CommitAlloc implements the §4.4 commit protocol: the per-device extents
// are committed first, then saveMetadata is invoked to persist the new
// allocation durably on every member device, and only once that succeeds is
// the cap device's table reloaded to the new total size. This ordering
// upholds the stated invariant that the cap device is never reloaded to a
// size the on-disk metadata does not yet reflect; if saveMetadata fails the
// per-device commits are rolled back and the cap table is left untouched.
func (b *Backstore) CommitAlloc(tx *Transaction, saveMetadata func() error) error {
	if tx == nil {
		return nil
	}
	committed := make([]deviceTx, 0, len(tx.subTx))
	for _, st := range tx.subTx {
		dev, ok := b.data.Get(st.devId)
		if !ok {
			continue
		}
		dev.Alloc.CommitAlloc(st.tx)
		committed = append(committed, st)
	}

	if err := saveMetadata(); err != nil {
		for _, st := range committed {
			if dev, ok := b.data.Get(st.devId); ok {
				for _, e := range st.tx.Extents {
					dev.Alloc.Free(e)
				}
			}
		}
		return stratis.Wrap(err, stratis.CommitFailed).WithMetadata("op", "commit_alloc")
	}

	return b.reloadCapTable()
}

// reloadCapTable rebuilds the cap device's segment list from every
// committed (non-free) extent across the data tier, in device insertion
// order, and reloads it.
func (b *Backstore) reloadCapTable() error {
	if b.cap == nil {
		return nil
	}
	var segments []CapSegment
	for _, d := range b.data.Devices() {
		for _, used := range usedIntervals(d) {
			segments = append(segments, CapSegment{
				DeviceId: d.Id,
				DevPath:  d.Path,
				Start:    used.Start,
				Length:   used.Length,
			})
		}
	}
	if err := b.cap.Reload(segments); err != nil {
		return stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "reload_cap_table")
	}
	return nil
}

// usedIntervals returns the allocated (non-free) sub-intervals of dev's
// usable range, derived by subtracting the free set from [0, TotalUsable).
func usedIntervals(dev *Device) []allocator.Extent {
	free := dev.Alloc.FreeIntervals()
	sort.Slice(free, func(i, j int) bool { return free[i].Start < free[j].Start })

	var used []allocator.Extent
	var cursor stratis.Sectors
	for _, f := range free {
		if f.Start > cursor {
			used = append(used, allocator.Extent{Start: cursor, Length: f.Start - cursor})
		}
		cursor = f.End()
	}
	if cursor < dev.TotalUsable {
		used = append(used, allocator.Extent{Start: cursor, Length: dev.TotalUsable - cursor})
	}
	return used
}

// AvailableInBackstore returns the free sectors remaining in the data tier,
// the bound the Thin-Pool Supervisor's extension policy must respect
// (§4.5 available_in_backstore()).
func (b *Backstore) AvailableInBackstore() stratis.Sectors {
	return b.data.TotalAvailable()
}

// CacheSize returns the total usable sectors committed to the cache tier.
func (b *Backstore) CacheSize() stratis.Sectors {
	var total stratis.Sectors
	for _, d := range b.cache.Devices() {
		total += d.TotalUsable
	}
	return total
}

// DataDevices and CacheDevices expose the underlying managers for callers
// that need per-device state (the Metadata Codec's current_metadata, the
// Liminal Assembler's device bookkeeping).
func (b *Backstore) DataDevices() []*Device  { return b.data.Devices() }
func (b *Backstore) CacheDevices() []*Device { return b.cache.Devices() }
