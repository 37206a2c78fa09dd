package engine

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/backstore"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/crypt"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/dmname"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/filesystem"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/metadata"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// DeviceSpec describes one member device being added to a pool: its
// identity, backing path, usable capacity beyond the BDA reserved at its
// head, and the unlock mechanisms protecting it. An empty Mechanisms leaves
// the device in plaintext; Optional per-device encryption (§1) is driven
// entirely from this field.
type DeviceSpec struct {
	Id            stratis.DevId
	Path          string
	UsableSectors stratis.Sectors
	Mechanisms    []crypt.Mechanism
}

// Pool wires together one pool's Backstore, Thin-Pool Supervisor,
// Filesystem Manager, per-device metadata codecs, and optional Crypt
// Adapter (§4.8). It owns its own interior single-writer/many-reader lock,
// the second tier of §5's two-level locking scheme; the Engine's outer map
// lock is the first tier.
type Pool struct {
	mu sync.RWMutex

	id      stratis.PoolId
	name    string
	backend Backend
	log     logr.Logger

	cfg        PoolConfig
	backstore  *backstore.Backstore
	supervisor *thinpool.Supervisor
	thinDriver thinpool.Driver
	metrics    *thinpool.Metrics
	fs         *filesystem.Manager
	cryptor    *crypt.Adapter // drives only the devices whose spec carried Mechanisms

	codecOrder   []uuid.UUID
	codecs       map[uuid.UUID]*metadata.Codec
	cryptHeaders map[uuid.UUID]*crypt.Header

	started         bool
	outOfAllocSpace bool
	missingDevices  map[uuid.UUID]struct{} // devices reported departed while the pool is live (§4.7)
}

// PoolConfig bundles the construction-time parameters NewPool needs beyond
// the Backend capability set.
type PoolConfig struct {
	Policy  thinpool.Policy
	Metrics *thinpool.Metrics
}

// NewPool constructs a brand-new, empty pool. AddDatadevs must be called at
// least once before the pool is usable.
func NewPool(id stratis.PoolId, name string, backend Backend, cfg PoolConfig, log logr.Logger) *Pool {
	log = log.WithName("pool").WithValues("pool", name)
	capTable := backend.NewCapTable(name, id)
	store := filesystem.NewStore()
	p := &Pool{
		id:             id,
		name:           name,
		backend:        backend,
		log:            log,
		cfg:            cfg,
		backstore:      backstore.New(capTable),
		supervisor:     thinpool.NewSupervisor(cfg.Policy, 0, 0, log),
		thinDriver:     backend.NewThinPoolDriver(name),
		metrics:        cfg.Metrics,
		cryptor:        crypt.NewAdapter(backend.NewDMRunner(), backend.NewKeySource(), log),
		codecs:         make(map[uuid.UUID]*metadata.Codec),
		cryptHeaders:   make(map[uuid.UUID]*crypt.Header),
		missingDevices: make(map[uuid.UUID]struct{}),
	}
	p.fs = filesystem.NewManager(name, id, backend.NewThinDeviceOps(name), backend.NewFormatter(), store, log)
	return p
}

func (p *Pool) Id() stratis.PoolId { return p.id }
func (p *Pool) Name() string       { return p.name }

// DataDevicePaths lists the backing paths of every data-tier device, in
// insertion order; used to decide whether a repeated create_pool call names
// the same device set (Identity) or a different one (AlreadyExists).
func (p *Pool) DataDevicePaths() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	devs := p.backstore.DataDevices()
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Path
	}
	return out
}

// Disown zeroes every member device's on-disk header and metadata slots and
// tears down any crypt mappings, the last step of destroy_pool (§4.1
// Disown). A device already reported missing is skipped: there is no
// header left to zero.
func (p *Pool) Disown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.codecOrder {
		if _, missing := p.missingDevices[id]; missing {
			continue
		}
		if codec, ok := p.codecs[id]; ok {
			if err := codec.Disown(); err != nil {
				return err
			}
		}
	}
	for id, header := range p.cryptHeaders {
		if _, missing := p.missingDevices[id]; missing {
			continue
		}
		if err := p.cryptor.Deactivate(header); err != nil {
			return err
		}
	}
	return nil
}

// AddDatadevs initializes each spec's backing device with a fresh static
// header, registers it with the Backstore's data tier, and persists the
// post-add metadata to every device the pool now owns (§4.4, §5 ordering:
// devices are saved in the order they were added).
func (p *Pool) AddDatadevs(specs []DeviceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkNotDegradedLocked(); err != nil {
		return err
	}

	regs := make([]struct {
		Id            uuid.UUID
		Path          string
		UsableSectors stratis.Sectors
	}, 0, len(specs))

	for _, spec := range specs {
		codec, err := p.initDevice(spec)
		if err != nil {
			return err
		}
		p.codecs[spec.Id] = codec
		p.codecOrder = append(p.codecOrder, spec.Id)
		regs = append(regs, struct {
			Id            uuid.UUID
			Path          string
			UsableSectors stratis.Sectors
		}{Id: spec.Id, Path: spec.Path, UsableSectors: spec.UsableSectors})
	}

	if err := p.backstore.AddDatadevs(regs); err != nil {
		return err
	}
	return p.saveMetadataLocked()
}

// AddCachedevs registers a first batch of cache-tier devices. Per the cache
// invariant (§4.4) this may only grow the cache tier, never shrink it.
func (p *Pool) AddCachedevs(specs []DeviceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkNotDegradedLocked(); err != nil {
		return err
	}

	regs := make([]struct {
		Id            uuid.UUID
		Path          string
		UsableSectors stratis.Sectors
	}, 0, len(specs))
	for _, spec := range specs {
		codec, err := p.initDevice(spec)
		if err != nil {
			return err
		}
		p.codecs[spec.Id] = codec
		p.codecOrder = append(p.codecOrder, spec.Id)
		regs = append(regs, struct {
			Id            uuid.UUID
			Path          string
			UsableSectors stratis.Sectors
		}{Id: spec.Id, Path: spec.Path, UsableSectors: spec.UsableSectors})
	}
	if err := p.backstore.AddCachedevs(regs); err != nil {
		return err
	}
	return p.saveMetadataLocked()
}

// initDevice opens one member device, activating it through the pool's
// Crypt Adapter first when its spec carries unlock mechanisms (§4.2), and
// writes a fresh static header and metadata slots to the resulting
// plaintext device.
func (p *Pool) initDevice(spec DeviceSpec) (*metadata.Codec, error) {
	path := spec.Path

	if len(spec.Mechanisms) > 0 {
		masterKey := make([]byte, 64)
		if _, err := rand.Read(masterKey); err != nil {
			return nil, stratis.Wrap(err, stratis.CryptError).WithMetadata("op", "generate_master_key")
		}
		header := crypt.NewHeader(dmname.PhysicalCryptSub(stratis.DefaultFormatVersion, p.id, spec.Id))
		if err := p.cryptor.Initialize(header, masterKey, spec.Mechanisms); err != nil {
			return nil, err
		}
		plainPath, err := p.cryptor.Activate(header, spec.Path, crypt.HeaderSectors, uint64(spec.UsableSectors))
		if err != nil {
			return nil, err
		}
		p.cryptHeaders[spec.Id] = header
		path = plainPath
	}

	dev, err := p.backend.OpenDevice(path)
	if err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "open_device").WithMetadata("path", path)
	}
	totalSectors := uint64(spec.UsableSectors)
	codec, err := metadata.Initialize(dev, p.log, p.id, spec.Id, stratis.DefaultFormatVersion, totalSectors, []byte("{}"), uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}
	return codec, nil
}

// HydratedDevice is one member device the Liminal Assembler has already
// opened and read a valid header+codec from, ready to be folded into a
// reassembled Pool.
type HydratedDevice struct {
	Id    stratis.DevId
	Path  string
	Codec *metadata.Codec
}

// hydrate reconstructs a Pool's in-memory state from a previously persisted
// PersistedMetadata document and the already-opened codecs for its member
// devices (§4.7 reassembly, §8 "reassembly across a reboot"). It does not
// replay the precise free/used split inside each device's range allocator;
// it instead re-requests the same total sector counts the thin-pool last
// reported, which is sufficient to reproduce the pool's externally
// observable sizing.
func (p *Pool) hydrate(doc PersistedMetadata, devices []HydratedDevice) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = doc.Started

	usable := make(map[uuid.UUID]stratis.Sectors, len(doc.Backstore.Data)+len(doc.Backstore.Cache))
	cacheIds := make(map[uuid.UUID]bool, len(doc.Backstore.Cache))
	for _, dm := range doc.Backstore.Data {
		usable[dm.Id] = dm.UsableSectors
	}
	for _, dm := range doc.Backstore.Cache {
		usable[dm.Id] = dm.UsableSectors
		cacheIds[dm.Id] = true
	}

	type reg = struct {
		Id            uuid.UUID
		Path          string
		UsableSectors stratis.Sectors
	}
	var dataRegs, cacheRegs []reg
	for _, hd := range devices {
		p.codecs[hd.Id] = hd.Codec
		p.codecOrder = append(p.codecOrder, hd.Id)
		r := reg{Id: hd.Id, Path: hd.Path, UsableSectors: usable[hd.Id]}
		if cacheIds[hd.Id] {
			cacheRegs = append(cacheRegs, r)
		} else {
			dataRegs = append(dataRegs, r)
		}
	}
	if err := p.backstore.AddDatadevs(dataRegs); err != nil {
		return err
	}
	if len(cacheRegs) > 0 {
		if err := p.backstore.AddCachedevs(cacheRegs); err != nil {
			return err
		}
	}

	p.fs.LoadRecords(recordsFromMetadata(doc.Filesystems))

	if doc.Thinpool.CurrentData > 0 || doc.Thinpool.CurrentMetadata > 0 {
		var sizes []stratis.Sectors
		if doc.Thinpool.CurrentData > 0 {
			sizes = append(sizes, doc.Thinpool.CurrentData)
		}
		if doc.Thinpool.CurrentMetadata > 0 {
			sizes = append(sizes, doc.Thinpool.CurrentMetadata)
		}
		tx, ok := p.backstore.RequestAlloc(sizes)
		if !ok {
			return stratis.New(stratis.CorruptMetadata, "persisted thin-pool sizing exceeds reassembled backstore capacity")
		}
		if err := p.backstore.CommitAlloc(tx, func() error { return nil }); err != nil {
			return err
		}
		p.supervisor = thinpool.NewSupervisor(p.cfg.Policy, doc.Thinpool.CurrentData, doc.Thinpool.CurrentMetadata, p.log)
		if err := p.thinDriver.Reload(doc.Thinpool.CurrentData, doc.Thinpool.CurrentMetadata); err != nil {
			return stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "reload_thinpool_on_assemble")
		}
	}
	return nil
}

func recordsFromMetadata(in []FilesystemMetadata) []filesystem.Record {
	out := make([]filesystem.Record, len(in))
	for i, m := range in {
		out[i] = filesystem.Record{
			Id:             m.Uuid,
			ThinId:         m.ThinId,
			Name:           m.Name,
			Origin:         m.Origin,
			SizeLimit:      m.SizeLimit,
			MergeScheduled: m.MergeScheduled,
		}
	}
	return out
}

// CreateFilesystem creates a new thin filesystem and persists the update.
// On a metadata-commit failure the filesystem is torn back down so the pool
// is left exactly as it was before the call (§7 "no half-done pools").
func (p *Pool) CreateFilesystem(name string, sizeLimit *stratis.Sectors) (stratis.MutationAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkNotDegradedLocked(); err != nil {
		return stratis.MutationAction{}, err
	}

	action, err := p.fs.Create(name, sizeLimit)
	if err != nil || action.IsIdentity() {
		return action, err
	}
	if err := p.saveMetadataLocked(); err != nil {
		_ = p.fs.Destroy([]stratis.FilesystemId{action.Id()})
		return stratis.MutationAction{}, err
	}
	return action, nil
}

// SnapshotFilesystem creates a snapshot of origin and persists the update.
func (p *Pool) SnapshotFilesystem(origin stratis.FilesystemId, name string) (stratis.MutationAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkNotDegradedLocked(); err != nil {
		return stratis.MutationAction{}, err
	}

	action, err := p.fs.Snapshot(origin, name)
	if err != nil || action.IsIdentity() {
		return action, err
	}
	if err := p.saveMetadataLocked(); err != nil {
		_ = p.fs.Destroy([]stratis.FilesystemId{action.Id()})
		return stratis.MutationAction{}, err
	}
	return action, nil
}

// RenameFilesystem applies the §4.6 rename taxonomy and, when it actually
// changed state, persists the update.
func (p *Pool) RenameFilesystem(id stratis.FilesystemId, newName string) (stratis.RenameAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	action := p.fs.Rename(id, newName)
	if _, renamed := action.Renamed(); !renamed {
		return action, nil
	}
	if err := p.saveMetadataLocked(); err != nil {
		return stratis.RenameAction{}, err
	}
	return action, nil
}

// DestroyFilesystems removes every named filesystem and persists the
// update.
func (p *Pool) DestroyFilesystems(ids []stratis.FilesystemId) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fs.Destroy(ids); err != nil {
		return err
	}
	return p.saveMetadataLocked()
}

// Tick runs one periodic check (§4.8 background timer, §4.5 extension
// policy): poll the thin-pool's kernel status, let the Supervisor decide
// whether to grow, and apply any resulting extension. It is the only place
// that mutates the pool purely from the background timer rather than an
// IPC-triggered call.
func (p *Pool) Tick() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.thinDriver.Status()
	if err != nil {
		return stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "thinpool_status")
	}

	req := p.supervisor.Check(status, p.backstore.AvailableInBackstore())
	p.outOfAllocSpace = p.supervisor.OutOfAllocSpace()
	if p.metrics != nil {
		p.metrics.Observe(p.name, status, p.outOfAllocSpace)
	}

	if req.GrowData == 0 && req.GrowMetadata == 0 {
		return nil
	}
	if err := p.checkNotDegradedLocked(); err != nil {
		return err
	}

	var sizes []stratis.Sectors
	if req.GrowData > 0 {
		sizes = append(sizes, req.GrowData)
	}
	if req.GrowMetadata > 0 {
		sizes = append(sizes, req.GrowMetadata)
	}
	tx, ok := p.backstore.RequestAlloc(sizes)
	if !ok {
		return stratis.New(stratis.OutOfSpace, "backstore cannot satisfy the supervisor's extension request")
	}
	// The extension is applied before the save so the persisted thin-pool
	// totals include this allocation; it is undone if the commit fails.
	prev := *p.supervisor
	saveExtended := func() error {
		p.supervisor.ApplyExtension(req)
		return p.saveMetadataLocked()
	}
	if err := p.backstore.CommitAlloc(tx, saveExtended); err != nil {
		*p.supervisor = prev
		return err
	}

	if err := p.thinDriver.Reload(p.supervisor.DataSectors(), p.supervisor.MetadataSectors()); err != nil {
		return stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "reload_thinpool")
	}
	return nil
}

// Start and Stop flip the pool's activation state and persist it, backing
// the Engine's start_pool/stop_pool operations (§4.8).
func (p *Pool) Start() (stratis.MutationAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return stratis.IdentityAction(p.id), nil
	}
	p.started = true
	if err := p.saveMetadataLocked(); err != nil {
		p.started = false
		return stratis.MutationAction{}, err
	}
	return stratis.Created(p.id), nil
}

func (p *Pool) Stop() (stratis.MutationAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return stratis.IdentityAction(p.id), nil
	}
	p.started = false
	if err := p.saveMetadataLocked(); err != nil {
		p.started = true
		return stratis.MutationAction{}, err
	}
	return stratis.Created(p.id), nil
}

// OutOfAllocSpace reports the pool's currently observed soft-failure state
// (§7 "OutOfSpace sets an observable property on the pool").
func (p *Pool) OutOfAllocSpace() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outOfAllocSpace
}

// DeviceDeparted marks one member device missing, moving a live pool into
// the degraded state of §4.7: the pool stays in memory, but operations that
// would need the missing device start failing with DeviceMissing. A
// departure for a device this pool doesn't own is ignored.
func (p *Pool) DeviceDeparted(devId stratis.DevId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.codecs[devId]; !ok {
		return
	}
	p.missingDevices[devId] = struct{}{}
	p.log.Info("member device departed, pool is now degraded", "device", devId.String())
}

// Degraded reports whether the pool is currently missing one or more of its
// member devices.
func (p *Pool) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.missingDevices) > 0
}

func (p *Pool) checkNotDegradedLocked() error {
	if len(p.missingDevices) > 0 {
		return stratis.New(stratis.DeviceMissing, "pool is degraded: a member device is missing")
	}
	return nil
}

// FilesystemCount and DeviceCount feed get_report (§6).
func (p *Pool) FilesystemCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.fs.CurrentMetadata())
}

func (p *Pool) DeviceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.backstore.DataDevices()) + len(p.backstore.CacheDevices())
}

// CurrentFilesystems lists every live filesystem record, backing
// list_filesystems(pid).
func (p *Pool) CurrentFilesystems() []filesystem.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fs.CurrentMetadata()
}

// saveMetadataLocked serializes the pool's current state and writes it to
// every member device's metadata slots, in the order devices were added
// (§5). Devices already reported missing (§4.7 degraded state) are skipped
// rather than treated as a failure; among the remaining devices, success
// requires every codec to report success, and a partial failure there is
// surfaced as CommitFailed.
func (p *Pool) saveMetadataLocked() error {
	doc := PersistedMetadata{
		Name:     p.name,
		Started:  p.started,
		Features: nil,
		Thinpool: ThinpoolMetadata{
			CurrentData:     p.supervisor.DataSectors(),
			CurrentMetadata: p.supervisor.MetadataSectors(),
		},
		Backstore: BackstoreMetadata{
			Data:  deviceMetadataFrom(p.backstore.DataDevices()),
			Cache: deviceMetadataFrom(p.backstore.CacheDevices()),
		},
		Filesystems: filesystemMetadataFrom(p.fs.CurrentMetadata()),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return stratis.Wrap(err, stratis.Invalid).WithMetadata("op", "marshal_metadata")
	}
	timestamp := uint64(time.Now().UnixNano())

	for _, id := range p.codecOrder {
		if _, missing := p.missingDevices[id]; missing {
			continue
		}
		codec, ok := p.codecs[id]
		if !ok {
			continue
		}
		if err := codec.SaveState(payload, timestamp); err != nil {
			return stratis.Wrap(err, stratis.CommitFailed).WithMetadata("op", "save_metadata").WithMetadata("device", id.String())
		}
	}
	return nil
}

func deviceMetadataFrom(devices []*backstore.Device) []DeviceMetadata {
	out := make([]DeviceMetadata, len(devices))
	for i, d := range devices {
		out[i] = DeviceMetadata{Id: d.Id, Path: d.Path, UsableSectors: d.TotalUsable}
	}
	return out
}
