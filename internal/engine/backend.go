package engine

import (
	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/backstore"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/crypt"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/filesystem"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/metadata"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// Backend is the single seam between Pool/Engine's orchestration logic and
// however device-mapper, raw devices, and mkfs are actually driven. §9's
// "polymorphism across real and simulator engines" design note asks for one
// capability interface with two concrete implementations rather than a deep
// inheritance tree; Backend is that interface. RealBackend drives the host
// kernel; simengine.Backend (in the sibling package) never touches a real
// device, so tests and the simulator daemon variant can run without root.
type Backend interface {
	// OpenDevice opens path for header/metadata I/O.
	OpenDevice(path string) (metadata.BlockDevice, error)
	// NewCapTable returns the cap-device table driver for one pool.
	NewCapTable(poolName string, poolId stratis.PoolId) backstore.CapTable
	// NewThinDeviceOps returns the dm-thin device lifecycle driver for one
	// pool's thin-pool.
	NewThinDeviceOps(poolName string) filesystem.ThinDeviceOps
	// NewThinPoolDriver returns the reload/status driver for one pool's
	// thin-pool target.
	NewThinPoolDriver(poolName string) thinpool.Driver
	// NewFormatter returns the journaling-filesystem formatter.
	NewFormatter() filesystem.Formatter
	// NewDMRunner returns the crypt-mapping driver for one device.
	NewDMRunner() crypt.DMRunner
	// NewKeySource returns the unlock-mechanism key store.
	NewKeySource() crypt.KeySource
}

// backendFactory is satisfied by anything producing a Backend for a named
// pool scope; kept distinct from Backend itself so the Engine can construct
// one Backend instance per Pool without every Backend implementation having
// to be safe for concurrent use across pools. Wired into Engine.NewEngine,
// which picks either engine.NewRealBackend or simengine.NewBackend per the
// daemon's configured mode (§9 "polymorphism across real and simulator
// engines").
type backendFactory func(log logr.Logger) Backend
