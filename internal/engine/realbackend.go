package engine

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/anatol/devmapper.go"
	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/backstore"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/crypt"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/filesystem"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/metadata"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool/dmcmd"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// RealBackend drives the host kernel's device-mapper and filesystem
// tooling, grounded on the pack's go-luks2 adapter (anatol/devmapper.go for
// table load/remove) and the teacher's lvmd/command exec-wrapper idiom (via
// thinpool/dmcmd) for dmsetup.
type RealBackend struct {
	log logr.Logger
	ctx context.Context
}

func NewRealBackend(ctx context.Context, log logr.Logger) *RealBackend {
	return &RealBackend{log: log.WithName("real-backend"), ctx: ctx}
}

func (b *RealBackend) OpenDevice(path string) (metadata.BlockDevice, error) {
	return metadata.OpenBlockDevice(path)
}

func (b *RealBackend) NewCapTable(poolName string, poolId stratis.PoolId) backstore.CapTable {
	return &realCapTable{backend: b, name: poolName}
}

func (b *RealBackend) NewThinDeviceOps(poolName string) filesystem.ThinDeviceOps {
	return &realThinOps{backend: b}
}

func (b *RealBackend) NewThinPoolDriver(poolName string) thinpool.Driver {
	return &realThinPoolDriver{backend: b, name: poolName}
}

func (b *RealBackend) NewFormatter() filesystem.Formatter {
	return &realFormatter{backend: b}
}

func (b *RealBackend) NewDMRunner() crypt.DMRunner {
	return &realDMRunner{}
}

func (b *RealBackend) NewKeySource() crypt.KeySource {
	return &keyringKeySource{}
}

// realCapTable reloads the cap device's linear table through dmsetup,
// mirroring how the thin-pool and crypt targets are driven.
type realCapTable struct {
	backend *RealBackend
	name    string
}

func (c *realCapTable) Reload(segments []backstore.CapSegment) error {
	table := ""
	var cursor stratis.Sectors
	for _, s := range segments {
		table += fmt.Sprintf("%d %d linear %s %d\n", cursor, s.Length, s.DevPath, s.Start)
		cursor += s.Length
	}
	return dmcmd.Reload(c.backend.ctx, c.backend.log, dmcmd.ExecRunner{}, c.name, table)
}

// realThinPoolDriver reloads the thin-pool target's own table and polls its
// status line through dmsetup, the two halves thinpool.Driver bundles.
type realThinPoolDriver struct {
	backend *RealBackend
	name    string
}

func (d *realThinPoolDriver) Reload(dataSectors, metadataSectors stratis.Sectors) error {
	table := fmt.Sprintf("0 %d thin-pool %s-meta %s-data %d 0", dataSectors, d.name, d.name, thinpool.DataBlockSizeSectors)
	_ = metadataSectors // metadata sub-device is sized by its own backing table, not this reload
	return dmcmd.Reload(d.backend.ctx, d.backend.log, dmcmd.ExecRunner{}, d.name, table)
}

func (d *realThinPoolDriver) Status() (thinpool.Status, error) {
	line, err := dmcmd.Status(d.backend.ctx, d.backend.log, dmcmd.ExecRunner{}, d.name)
	if err != nil {
		return thinpool.Status{}, err
	}
	return thinpool.ParseStatus(line)
}

// realThinOps drives dm-thin's message interface for per-filesystem thin
// device lifecycle operations.
type realThinOps struct {
	backend *RealBackend
}

func (t *realThinOps) message(poolName string, args ...string) error {
	full := append([]string{"message", poolName, "0"}, args...)
	_, err := dmcmd.ExecRunner{}.Run(t.backend.ctx, t.backend.log, full...)
	return err
}

func (t *realThinOps) CreateThin(poolName string, thinId filesystem.ThinDevId, virtualSectors stratis.Sectors) error {
	return t.message(poolName, "create_thin", fmt.Sprintf("%d", thinId))
}

func (t *realThinOps) CreateSnapshot(poolName string, originThinId, snapThinId filesystem.ThinDevId) error {
	return t.message(poolName, "create_snap", fmt.Sprintf("%d", snapThinId), fmt.Sprintf("%d", originThinId))
}

func (t *realThinOps) DeleteThin(poolName string, thinId filesystem.ThinDevId) error {
	return t.message(poolName, "delete", fmt.Sprintf("%d", thinId))
}

func (t *realThinOps) ResizeThin(poolName string, thinId filesystem.ThinDevId, newVirtualSectors stratis.Sectors) error {
	// dm-thin sizes a thin volume via the thin device's own table reload
	// rather than a pool message; left to the caller that owns the thin
	// device's dm-linear/thin table.
	return nil
}

// realFormatter shells out to mkfs.xfs, the journaling filesystem
// original_source formats new thin volumes with.
type realFormatter struct {
	backend *RealBackend
}

func (f *realFormatter) Format(devicePath string, fsUUID stratis.FilesystemId) error {
	cmd := exec.CommandContext(f.backend.ctx, "mkfs.xfs", "-q", "-m", fmt.Sprintf("uuid=%s", fsUUID.String()), devicePath)
	return cmd.Run()
}

// realDMRunner implements crypt.DMRunner via anatol/devmapper.go's
// CryptTable/CreateAndLoad, the same pairing the pack's go-luks2 Unlock
// function uses.
type realDMRunner struct{}

func (realDMRunner) CreateAndLoad(name, uuid string, masterKey []byte, backendDevice string, backendOffsetSectors, lengthSectors uint64) error {
	table := devmapper.CryptTable{
		Start:         0,
		Length:        lengthSectors * stratis.SectorSize,
		BackendDevice: backendDevice,
		BackendOffset: backendOffsetSectors * stratis.SectorSize,
		Encryption:    "aes-xts-plain64",
		Key:           masterKey,
		SectorSize:    stratis.SectorSize,
	}
	return devmapper.CreateAndLoad(name, uuid, 0, table)
}

func (realDMRunner) Remove(name string) error {
	return devmapper.Remove(name)
}

func (realDMRunner) Active(name string) bool {
	_, err := devmapper.InfoByName(name)
	return err == nil
}

func (realDMRunner) DevicePath(name string) (string, error) {
	if _, err := devmapper.InfoByName(name); err != nil {
		return "", err
	}
	return "/dev/mapper/" + name, nil
}

// keyringKeySource is RealBackend's KeySource. Recover, Store and Erase
// return an error for every mechanism, keyring and Clevis alike; it does not
// reach the kernel keyring or clevis.
type keyringKeySource struct{}

func (keyringKeySource) Recover(m crypt.Mechanism) ([]byte, error) {
	return nil, fmt.Errorf("keyring recovery requires host keyctl integration: %s", m.String())
}
func (keyringKeySource) Store(m crypt.Mechanism, masterKey []byte) error {
	return fmt.Errorf("keyring storage requires host keyctl integration: %s", m.String())
}
func (keyringKeySource) Erase(m crypt.Mechanism) error {
	return fmt.Errorf("keyring erase requires host keyctl integration: %s", m.String())
}
