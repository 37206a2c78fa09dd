// Package simengine is the in-memory twin of engine.RealBackend: every
// capability engine.Backend asks for is satisfied against process memory
// instead of the host kernel, so the orchestration logic above it (Pool,
// Engine) can be exercised without root and without real block devices.
// This is the second of §9's "two concrete implementations" of the single
// Backend capability interface.
package simengine

import (
	"fmt"
	"sync"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/backstore"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/crypt"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/filesystem"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/metadata"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// Backend implements engine.Backend entirely in memory.
type Backend struct {
	mu      sync.Mutex
	devices map[string]*memBlockDevice
}

func NewBackend() *Backend {
	return &Backend{devices: make(map[string]*memBlockDevice)}
}

// OpenDevice returns the in-memory block device registered at path,
// creating a fresh zero-filled one sized to defaultSimDeviceSectors if this
// is the first time path has been opened, mirroring how a simulated pool
// populates its own backing store on first use.
func (b *Backend) OpenDevice(path string) (metadata.BlockDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dev, ok := b.devices[path]; ok {
		return dev, nil
	}
	dev := newMemBlockDevice(defaultSimDeviceSectors * stratis.SectorSize)
	b.devices[path] = dev
	return dev, nil
}

const defaultSimDeviceSectors = 1 << 24 // 8GiB at 512-byte sectors

func (b *Backend) NewCapTable(poolName string, poolId stratis.PoolId) backstore.CapTable {
	return &memCapTable{}
}

func (b *Backend) NewThinDeviceOps(poolName string) filesystem.ThinDeviceOps {
	return newMemThinOps()
}

func (b *Backend) NewThinPoolDriver(poolName string) thinpool.Driver {
	return newMemThinPoolDriver()
}

func (b *Backend) NewFormatter() filesystem.Formatter {
	return &memFormatter{}
}

func (b *Backend) NewDMRunner() crypt.DMRunner {
	return newMemDMRunner()
}

func (b *Backend) NewKeySource() crypt.KeySource {
	return newMemKeySource()
}

// memBlockDevice is a growable byte slice standing in for a raw block
// device, satisfying metadata.BlockDevice.
type memBlockDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemBlockDevice(sizeBytes uint64) *memBlockDevice {
	return &memBlockDevice{data: make([]byte, sizeBytes)}
}

func (d *memBlockDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || int(off) > len(d.data) {
		return 0, fmt.Errorf("read offset %d out of range", off)
	}
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memBlockDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := int(off) + len(p)
	if end > len(d.data) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	return copy(d.data[off:], p), nil
}

func (d *memBlockDevice) Sync() error { return nil }

// memCapTable records the most recently reloaded segment list instead of
// driving dmsetup; tests assert against LastSegments.
type memCapTable struct {
	mu           sync.Mutex
	LastSegments []backstore.CapSegment
}

func (c *memCapTable) Reload(segments []backstore.CapSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastSegments = segments
	return nil
}

// memThinOps tracks live thin device ids per pool the way a real dm-thin
// pool's metadata would, without any kernel involvement.
type memThinOps struct {
	mu   sync.Mutex
	live map[string]map[filesystem.ThinDevId]bool
}

func newMemThinOps() *memThinOps {
	return &memThinOps{live: make(map[string]map[filesystem.ThinDevId]bool)}
}

func (t *memThinOps) poolSet(poolName string) map[filesystem.ThinDevId]bool {
	s, ok := t.live[poolName]
	if !ok {
		s = make(map[filesystem.ThinDevId]bool)
		t.live[poolName] = s
	}
	return s
}

func (t *memThinOps) CreateThin(poolName string, thinId filesystem.ThinDevId, virtualSectors stratis.Sectors) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poolSet(poolName)[thinId] = true
	return nil
}

func (t *memThinOps) CreateSnapshot(poolName string, originThinId, snapThinId filesystem.ThinDevId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.poolSet(poolName)
	if !set[originThinId] {
		return fmt.Errorf("origin thin id %d does not exist", originThinId)
	}
	set[snapThinId] = true
	return nil
}

func (t *memThinOps) DeleteThin(poolName string, thinId filesystem.ThinDevId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.poolSet(poolName), thinId)
	return nil
}

func (t *memThinOps) ResizeThin(poolName string, thinId filesystem.ThinDevId, newVirtualSectors stratis.Sectors) error {
	return nil
}

// memThinPoolDriver simulates a thin-pool target's Reload/Status pair.
// UsedDataFraction/UsedMetadataFraction let a test drive the supervisor's
// low-water policy without a kernel in the loop.
type memThinPoolDriver struct {
	mu                   sync.Mutex
	dataSectors          stratis.Sectors
	metadataSectors      stratis.Sectors
	UsedDataFraction     float64
	UsedMetadataFraction float64
	Flags                map[string]bool
}

func newMemThinPoolDriver() *memThinPoolDriver {
	return &memThinPoolDriver{Flags: make(map[string]bool)}
}

func (d *memThinPoolDriver) Reload(dataSectors, metadataSectors stratis.Sectors) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataSectors = dataSectors
	d.metadataSectors = metadataSectors
	return nil
}

func (d *memThinPoolDriver) Status() (thinpool.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	totalDataBlocks := uint64(d.dataSectors / thinpool.DataBlockSizeSectors)
	totalMetaBlocks := uint64(d.metadataSectors / thinpool.MetadataBlockSizeSectors)
	flags := make(map[thinpool.HealthFlag]bool, len(d.Flags))
	for k := range d.Flags {
		flags[thinpool.HealthFlag(k)] = true
	}
	return thinpool.Status{
		TransactionId:       1,
		UsedDataBlocks:      uint64(float64(totalDataBlocks) * d.UsedDataFraction),
		TotalDataBlocks:     totalDataBlocks,
		UsedMetadataBlocks:  uint64(float64(totalMetaBlocks) * d.UsedMetadataFraction),
		TotalMetadataBlocks: totalMetaBlocks,
		Flags:               flags,
	}, nil
}

// memFormatter stamps nothing; it exists only so Manager.Create's format
// step always succeeds against a simulated thin device with no real
// filesystem on it.
type memFormatter struct{}

func (memFormatter) Format(devicePath string, fsUUID stratis.FilesystemId) error { return nil }

// memDMRunner tracks which crypt mapping names are "active" without ever
// invoking device-mapper.
type memDMRunner struct {
	mu     sync.Mutex
	active map[string]bool
}

func newMemDMRunner() *memDMRunner {
	return &memDMRunner{active: make(map[string]bool)}
}

func (r *memDMRunner) CreateAndLoad(name, uuid string, masterKey []byte, backendDevice string, backendOffsetSectors, lengthSectors uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[name] = true
	return nil
}

func (r *memDMRunner) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, name)
	return nil
}

func (r *memDMRunner) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[name]
}

func (r *memDMRunner) DevicePath(name string) (string, error) {
	if !r.Active(name) {
		return "", fmt.Errorf("mapping %s is not active", name)
	}
	return "/dev/mapper/" + name, nil
}

// memKeySource recovers whatever master key Store most recently saved for
// a mechanism, keyed by its string form.
type memKeySource struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newMemKeySource() *memKeySource {
	return &memKeySource{keys: make(map[string][]byte)}
}

func (k *memKeySource) Recover(m crypt.Mechanism) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[m.String()]
	if !ok {
		return nil, fmt.Errorf("no key stored for mechanism %s", m.String())
	}
	return key, nil
}

func (k *memKeySource) Store(m crypt.Mechanism, masterKey []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[m.String()] = append([]byte(nil), masterKey...)
	return nil
}

func (k *memKeySource) Erase(m crypt.Mechanism) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, m.String())
	return nil
}
