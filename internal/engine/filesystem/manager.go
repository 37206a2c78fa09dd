// Package filesystem implements the Filesystem Manager of §4.6: creation,
// snapshotting, renaming, destruction, size-limiting, and merge scheduling
// of thin volumes layered on a pool's thin-pool.
package filesystem

import (
	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/dmname"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// ThinDeviceOps is the narrow dm-thin device lifecycle surface the Manager
// drives, implemented in production by sending `dmsetup message` commands to
// the pool's thin-pool target (create_thin/create_snap/delete) and mirroring
// the teacher's command-wrapper idiom (internal/engine/thinpool/dmcmd).
type ThinDeviceOps interface {
	CreateThin(poolName string, thinId ThinDevId, virtualSectors stratis.Sectors) error
	CreateSnapshot(poolName string, originThinId, snapThinId ThinDevId) error
	DeleteThin(poolName string, thinId ThinDevId) error
	ResizeThin(poolName string, thinId ThinDevId, newVirtualSectors stratis.Sectors) error
}

// Formatter lays a journaling filesystem onto a freshly created thin device
// and stamps it with a UUID (§4.6 creation algorithm).
type Formatter interface {
	Format(devicePath string, fsUUID stratis.FilesystemId) error
}

// Manager implements the Filesystem Manager operations for one pool.
type Manager struct {
	poolName string
	poolId   stratis.PoolId
	thin     ThinDeviceOps
	fmtr     Formatter
	log      logr.Logger

	store   *Store
	ids     *ThinIdPool
	history []Record // last_metadata(): the previous commit's record snapshot
}

func NewManager(poolName string, poolId stratis.PoolId, thin ThinDeviceOps, fmtr Formatter, store *Store, log logr.Logger) *Manager {
	return &Manager{
		poolName: poolName,
		poolId:   poolId,
		thin:     thin,
		fmtr:     fmtr,
		log:      log.WithName("filesystem-manager"),
		store:    store,
		ids:      NewThinIdPool(store.existingThinIds()),
	}
}

const defaultInitialVirtualSectors stratis.Sectors = 1 << 21 // 1 GiB at 512-byte sectors

// Create allocates a thin device id, creates the thin device, formats it,
// and records it in the pool's metadata (§4.6 creation algorithm).
func (m *Manager) Create(name string, sizeLimit *stratis.Sectors) (stratis.MutationAction, error) {
	if existing, ok := m.store.GetByName(name); ok {
		return stratis.IdentityAction(existing.Id), nil
	}

	thinId := m.ids.NewId()
	if err := m.thin.CreateThin(m.poolName, thinId, defaultInitialVirtualSectors); err != nil {
		m.ids.Forget(thinId)
		return stratis.MutationAction{}, stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "create_thin")
	}

	id := newFilesystemId()
	devPath := "/dev/mapper/" + dmname.ThinFilesystem(stratis.DefaultFormatVersion, m.poolId, id)
	if err := m.fmtr.Format(devPath, id); err != nil {
		_ = m.thin.DeleteThin(m.poolName, thinId)
		m.ids.Forget(thinId)
		return stratis.MutationAction{}, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "format")
	}

	m.store.Insert(&Record{Id: id, ThinId: thinId, Name: name, SizeLimit: sizeLimit})
	return stratis.Created(id), nil
}

// Snapshot creates a copy-on-write snapshot of origin named name.
func (m *Manager) Snapshot(origin stratis.FilesystemId, name string) (stratis.MutationAction, error) {
	originRec, ok := m.store.GetById(origin)
	if !ok {
		return stratis.MutationAction{}, stratis.New(stratis.NotFound, "snapshot origin not found")
	}
	if existing, ok := m.store.GetByName(name); ok {
		return stratis.IdentityAction(existing.Id), nil
	}

	thinId := m.ids.NewId()
	if err := m.thin.CreateSnapshot(m.poolName, originRec.ThinId, thinId); err != nil {
		m.ids.Forget(thinId)
		return stratis.MutationAction{}, stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "create_snap")
	}

	id := newFilesystemId()
	originId := origin
	m.store.Insert(&Record{Id: id, ThinId: thinId, Name: name, Origin: &originId})
	return stratis.Created(id), nil
}

// Rename applies the §4.6 rename taxonomy.
func (m *Manager) Rename(id stratis.FilesystemId, newName string) stratis.RenameAction {
	rec, ok := m.store.GetById(id)
	if !ok {
		return stratis.NoSource()
	}
	if rec.Name == newName {
		return stratis.Identity()
	}
	if _, exists := m.store.GetByName(newName); exists {
		return stratis.AlreadyExistsAction()
	}
	m.store.Rename(id, newName)
	return stratis.Renamed(id)
}

// Destroy removes every id's thin device and metadata record. Snapshots
// dependent on a destroyed origin have their Origin field cleared by
// Store.Remove but are themselves left intact (§4.6 snapshot semantics).
func (m *Manager) Destroy(ids []stratis.FilesystemId) error {
	for _, id := range ids {
		rec, ok := m.store.GetById(id)
		if !ok {
			continue
		}
		if err := m.thin.DeleteThin(m.poolName, rec.ThinId); err != nil {
			return stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "delete_thin").WithMetadata("filesystem", id.String())
		}
		m.store.Remove(id)
		m.ids.Forget(rec.ThinId)
	}
	return nil
}

// SetSizeLimit updates or clears a filesystem's size limit.
func (m *Manager) SetSizeLimit(id stratis.FilesystemId, limit *stratis.Sectors) error {
	rec, ok := m.store.GetById(id)
	if !ok {
		return stratis.New(stratis.NotFound, "filesystem not found")
	}
	rec.SizeLimit = limit
	return nil
}

// ScheduleMerge flips the merge-scheduled flag; the actual merge is carried
// out at the next activation, outside this package's scope (§4.6).
func (m *Manager) ScheduleMerge(id stratis.FilesystemId, scheduled bool) error {
	rec, ok := m.store.GetById(id)
	if !ok {
		return stratis.New(stratis.NotFound, "filesystem not found")
	}
	rec.MergeScheduled = scheduled
	return nil
}

// CompleteMerge is invoked by the pool's activation path once the kernel
// reports a scheduled merge has finished: the origin inherits the
// snapshot's content and the snapshot record is removed (§4.6).
func (m *Manager) CompleteMerge(snapshotId stratis.FilesystemId) error {
	snap, ok := m.store.GetById(snapshotId)
	if !ok || snap.Origin == nil {
		return stratis.New(stratis.NotFound, "no scheduled merge for that filesystem")
	}
	originId := *snap.Origin
	m.store.Remove(snapshotId)
	m.ids.Forget(snap.ThinId)
	m.log.Info("merge complete", "snapshot", snapshotId.String(), "origin", originId.String())
	return nil
}

// LoadRecords repopulates the store from previously persisted records (the
// Liminal Assembler's reassembly path) and rebuilds the thin-id pool so ids
// already in use are never handed out again.
func (m *Manager) LoadRecords(records []Record) {
	for i := range records {
		rec := records[i]
		m.store.Insert(&rec)
	}
	m.ids = NewThinIdPool(m.store.existingThinIds())
}

// CurrentMetadata returns every live filesystem record, for inclusion in the
// pool's persisted-state JSON (§6).
func (m *Manager) CurrentMetadata() []Record {
	records := m.store.All()
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = *r
	}
	m.history = out
	return out
}

// LastMetadata returns the record snapshot from the most recent
// CurrentMetadata call, the "previous commit" view §4.6 names.
func (m *Manager) LastMetadata() []Record { return m.history }

