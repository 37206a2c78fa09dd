// Package liminal implements the Liminal Assembler of §4.7: it collects
// device-discovery events, groups devices by pool identifier, and decides
// when a pool has enough devices to be promoted to a live Pool.
package liminal

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// AdmissionFailure names one of the three failure modes §4.7 defines for
// pool assembly. These are a narrower, assembler-specific vocabulary than
// the central stratis.Kind taxonomy (§7), which is closed over a fixed set
// of engine-wide error kinds that do not name assembly-specific conditions.
type AdmissionFailure string

const (
	ConflictingMetadata AdmissionFailure = "ConflictingMetadata"
	InsufficientDevices AdmissionFailure = "InsufficientDevices"
	UnlockRequired      AdmissionFailure = "UnlockRequired"
)

// AdmissionError reports why a pool could not be promoted.
type AdmissionError struct {
	Reason AdmissionFailure
	PoolId stratis.PoolId
	Msg    string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("pool %s: %s: %s", e.PoolId, e.Reason, e.Msg)
}

// DeviceInfo is what the udev/key-add event plumbing hands the assembler
// about one arriving member device, derived from a read_identifiers +
// load_state call against it.
type DeviceInfo struct {
	DeviceId  stratis.DevId
	PoolId    stratis.PoolId
	Path      string
	Expected  []stratis.DevId // the full member set this device's metadata names
	Timestamp uint64          // the metadata blob's commit timestamp
	Unlocked  bool            // true for plaintext devices and successfully-activated encrypted ones
}

// Engine is promoted to once a pool's expected and seen device sets match.
type Engine interface {
	Assemble(poolId stratis.PoolId, devices []DeviceInfo) error
}

// pendingPool is the per-pool state machine of §4.7.
type pendingPool struct {
	expected          map[stratis.DevId]struct{}
	expectedTimestamp uint64
	seen              map[stratis.DevId]DeviceInfo
	firstSeen         time.Time
}

func setOf(ids []stratis.DevId) map[stratis.DevId]struct{} {
	s := make(map[stratis.DevId]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func setsEqual(a map[stratis.DevId]struct{}, b map[stratis.DevId]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Assembler tracks every pool that has not yet been promoted to a live Pool.
type Assembler struct {
	mu          sync.Mutex
	pending     map[stratis.PoolId]*pendingPool
	promoted    map[stratis.PoolId]struct{}
	gracePeriod time.Duration
	engine      Engine
	log         logr.Logger
	now         func() time.Time
}

// NewAssembler constructs an Assembler. gracePeriod is SPEC_FULL.md's
// Engine.Config.AssemblyGracePeriod (default 30s).
func NewAssembler(engine Engine, gracePeriod time.Duration, log logr.Logger) *Assembler {
	return &Assembler{
		pending:     make(map[stratis.PoolId]*pendingPool),
		promoted:    make(map[stratis.PoolId]struct{}),
		gracePeriod: gracePeriod,
		engine:      engine,
		log:         log.WithName("liminal-assembler"),
		now:         time.Now,
	}
}

// DeviceArrived handles one newly discovered member device (§4.7).
func (a *Assembler) DeviceArrived(dev DeviceInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.promoted[dev.PoolId]; ok {
		// The pool is already live; further arrivals for it are the live
		// Pool's concern (re-attachment of a previously departed device),
		// not the assembler's.
		return nil
	}

	pp, ok := a.pending[dev.PoolId]
	if !ok {
		pp = &pendingPool{
			expected:          setOf(dev.Expected),
			expectedTimestamp: dev.Timestamp,
			seen:              map[stratis.DevId]DeviceInfo{dev.DeviceId: dev},
			firstSeen:         a.now(),
		}
		a.pending[dev.PoolId] = pp
		return a.tryPromote(dev.PoolId, pp)
	}

	if dev.Timestamp == pp.expectedTimestamp && !setsEqual(setOf(dev.Expected), pp.expected) {
		return &AdmissionError{
			Reason: ConflictingMetadata,
			PoolId: dev.PoolId,
			Msg:    "two devices claim the same pool with disagreeing member sets at equal timestamps",
		}
	}
	if dev.Timestamp > pp.expectedTimestamp {
		pp.expected = setOf(dev.Expected)
		pp.expectedTimestamp = dev.Timestamp
		for id := range pp.seen {
			if _, ok := pp.expected[id]; !ok {
				delete(pp.seen, id)
			}
		}
	}

	pp.seen[dev.DeviceId] = dev
	return a.tryPromote(dev.PoolId, pp)
}

// tryPromote promotes pp to a live pool once its seen set equals its
// expected set and every expected device is unlockable.
func (a *Assembler) tryPromote(poolId stratis.PoolId, pp *pendingPool) error {
	seenSet := make(map[stratis.DevId]struct{}, len(pp.seen))
	for id := range pp.seen {
		seenSet[id] = struct{}{}
	}
	if !setsEqual(seenSet, pp.expected) {
		return nil
	}

	for id := range pp.expected {
		if !pp.seen[id].Unlocked {
			return &AdmissionError{
				Reason: UnlockRequired,
				PoolId: poolId,
				Msg:    "pool is complete but one or more devices require a secret to unlock",
			}
		}
	}

	devices := make([]DeviceInfo, 0, len(pp.seen))
	for _, d := range pp.seen {
		devices = append(devices, d)
	}
	if err := a.engine.Assemble(poolId, devices); err != nil {
		return err
	}
	delete(a.pending, poolId)
	a.promoted[poolId] = struct{}{}
	a.log.Info("pool assembled", "pool", poolId.String(), "devices", len(devices))
	return nil
}

// DeviceDeparted removes a device from a still-pending pool's seen set.
// Departures from an already-promoted pool are the live Pool's concern.
func (a *Assembler) DeviceDeparted(poolId stratis.PoolId, devId stratis.DevId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pp, ok := a.pending[poolId]; ok {
		delete(pp.seen, devId)
	}
}

// InsufficientDevicesTimeout names a pool whose expected/seen mismatch has
// outlived the grace period.
type InsufficientDevicesTimeout struct {
	PoolId stratis.PoolId
	Seen   int
	Want   int
}

// CheckTimeouts is invoked by the Engine's background timer (§4.8, every
// 10s) to surface pools that have been incomplete for longer than the
// assembly grace period.
func (a *Assembler) CheckTimeouts() []InsufficientDevicesTimeout {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []InsufficientDevicesTimeout
	now := a.now()
	for poolId, pp := range a.pending {
		if now.Sub(pp.firstSeen) < a.gracePeriod {
			continue
		}
		out = append(out, InsufficientDevicesTimeout{PoolId: poolId, Seen: len(pp.seen), Want: len(pp.expected)})
	}
	return out
}
