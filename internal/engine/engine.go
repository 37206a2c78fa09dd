// Package engine implements the Stratis storage-pool Engine of §4.8: it
// owns every live Pool, serializes mutating operations per pool behind the
// two-level locking scheme of §5, and drives the Liminal Assembler and
// Thin-Pool Supervisor from a 10-second background timer.
package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/liminal"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/metadata"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// Config bundles the Engine's construction-time tunables.
type Config struct {
	AssemblyGracePeriod time.Duration // default 30s, §4.7 supplement
	Policy              thinpool.Policy
	TickInterval        time.Duration // default 10s, §4.8 background timer
}

func (c Config) withDefaults() Config {
	if c.AssemblyGracePeriod == 0 {
		c.AssemblyGracePeriod = 30 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = 10 * time.Second
	}
	return c
}

// Report is the internal shape behind get_report(); the IPC collaborator
// owns turning this into wire JSON (§1 Non-goals, SPEC_FULL.md supplement).
type Report struct {
	PoolCount       int
	FilesystemCount int
	DeviceCount     int
	Pools           []PoolReport
}

type PoolReport struct {
	Id              stratis.PoolId
	Name            string
	OutOfAllocSpace bool
}

// Engine owns the PoolId -> Pool map (§5's outer lock tier) and the
// process-wide collaborators every pool shares: the backend factory, the
// Liminal Assembler, and the Prometheus registry each Pool's Tick
// publish gauges into.
type Engine struct {
	mu    sync.RWMutex
	pools map[stratis.PoolId]*Pool
	names map[string]stratis.PoolId

	backendFactory backendFactory
	assembler      *liminal.Assembler
	metrics        *thinpool.Metrics
	config         Config
	log            logr.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine constructs an Engine. newBackend is invoked once per pool (on
// create and on reassembly) so a Backend implementation never has to be
// safe for concurrent use across unrelated pools; pass engine.NewRealBackend
// for a production daemon or simengine.NewBackend for tests and the
// simulator variant (§9).
func NewEngine(newBackend func(log logr.Logger) Backend, cfg Config, reg prometheus.Registerer, log logr.Logger) *Engine {
	cfg = cfg.withDefaults()
	log = log.WithName("engine")
	e := &Engine{
		pools:          make(map[stratis.PoolId]*Pool),
		names:          make(map[string]stratis.PoolId),
		backendFactory: newBackend,
		metrics:        thinpool.NewMetrics(reg),
		config:         cfg,
		log:            log,
		stopCh:         make(chan struct{}),
	}
	e.assembler = liminal.NewAssembler(e, cfg.AssemblyGracePeriod, log)
	return e
}

// Run starts the 10-second background timer (§4.8) and blocks until Stop is
// called. Callers typically invoke this in its own goroutine.
func (e *Engine) Run() {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tickAll()
		}
	}
}

// Stop halts the background timer. In-flight operations are not
// interrupted (§5 cancellation semantics); it is the caller's
// responsibility to stop issuing new operations afterward.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) tickAll() {
	e.mu.RLock()
	pools := make([]*Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mu.RUnlock()

	for _, p := range pools {
		if err := p.Tick(); err != nil {
			e.log.Error(err, "periodic check failed", "pool", p.Name())
		}
	}

	for _, timeout := range e.assembler.CheckTimeouts() {
		e.log.Info("pool still incomplete past assembly grace period",
			"pool", timeout.PoolId.String(), "seen", timeout.Seen, "want", timeout.Want)
	}
}

// CreatePool implements create_pool (§4.8). Repeating a call that named the
// same pool name and the same device set returns Identity; naming an
// existing pool with a different device set is AlreadyExists.
func (e *Engine) CreatePool(name string, specs []DeviceSpec) (stratis.MutationAction, error) {
	e.mu.Lock()
	if existingId, ok := e.names[name]; ok {
		existing := e.pools[existingId]
		e.mu.Unlock()
		if samePaths(existing.DataDevicePaths(), pathsOf(specs)) {
			return stratis.IdentityAction(existingId), nil
		}
		return stratis.MutationAction{}, stratis.New(stratis.AlreadyExists, "pool name already in use with a different device set")
	}

	id := stratis.NewId()
	pool := NewPool(id, name, e.backendFactory(e.log), PoolConfig{Policy: e.config.Policy, Metrics: e.metrics}, e.log)
	e.pools[id] = pool
	e.names[name] = id
	e.mu.Unlock()

	if err := pool.AddDatadevs(specs); err != nil {
		e.mu.Lock()
		delete(e.pools, id)
		delete(e.names, name)
		e.mu.Unlock()
		return stratis.MutationAction{}, err
	}
	return stratis.Created(id), nil
}

func pathsOf(specs []DeviceSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Path
	}
	return out
}

func samePaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, p := range a {
		seen[p]++
	}
	for _, p := range b {
		seen[p]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// DestroyPool implements destroy_pool. Destroying an unknown pool id is a
// silent, idempotent no-op: the pool is already in the target state.
func (e *Engine) DestroyPool(id stratis.PoolId) error {
	e.mu.Lock()
	pool, ok := e.pools[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.pools, id)
	delete(e.names, pool.Name())
	e.mu.Unlock()

	return pool.Disown()
}

// StopPool and StartPool implement stop_pool/start_pool.
func (e *Engine) StopPool(id stratis.PoolId) (stratis.MutationAction, error) {
	pool, ok := e.GetPool(id)
	if !ok {
		return stratis.MutationAction{}, stratis.New(stratis.NotFound, "no such pool")
	}
	return pool.Stop()
}

func (e *Engine) StartPool(id stratis.PoolId) (stratis.MutationAction, error) {
	pool, ok := e.GetPool(id)
	if !ok {
		return stratis.MutationAction{}, stratis.New(stratis.NotFound, "no such pool")
	}
	return pool.Start()
}

// ListPools implements list_pools.
func (e *Engine) ListPools() []PoolReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PoolReport, 0, len(e.pools))
	for id, p := range e.pools {
		out = append(out, PoolReport{Id: id, Name: p.Name(), OutOfAllocSpace: p.OutOfAllocSpace()})
	}
	return out
}

// GetPool implements get_pool(by id).
func (e *Engine) GetPool(id stratis.PoolId) (*Pool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[id]
	return p, ok
}

// GetPoolByName implements get_pool(by name).
func (e *Engine) GetPoolByName(name string) (*Pool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.names[name]
	if !ok {
		return nil, false
	}
	return e.pools[id], true
}

// GetReport implements get_report.
func (e *Engine) GetReport() Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	report := Report{PoolCount: len(e.pools)}
	for id, p := range e.pools {
		report.Pools = append(report.Pools, PoolReport{Id: id, Name: p.Name(), OutOfAllocSpace: p.OutOfAllocSpace()})
		report.FilesystemCount += p.FilesystemCount()
		report.DeviceCount += p.DeviceCount()
	}
	return report
}

// HandleEvent implements handle_event(udev event | key-added event). A
// departure for a pool that has already been promoted degrades the live
// Pool directly (§4.7: "a live pool whose device vanishes transitions to a
// degraded state but remains in memory"); a departure for a pool still
// being assembled is the Liminal Assembler's concern instead.
func (e *Engine) HandleEvent(ev Event) error {
	switch {
	case ev.Arrived != nil:
		return e.assembler.DeviceArrived(*ev.Arrived)
	case ev.Departed != nil:
		if pool, ok := e.GetPool(ev.Departed.PoolId); ok {
			pool.DeviceDeparted(ev.Departed.DeviceId)
			return nil
		}
		e.assembler.DeviceDeparted(ev.Departed.PoolId, ev.Departed.DeviceId)
		return nil
	default:
		return stratis.New(stratis.Invalid, "event carries neither an arrival nor a departure")
	}
}

// Event is the engine-facing shape of a udev or key-add notification;
// exactly one of Arrived/Departed is set.
type Event struct {
	Arrived  *liminal.DeviceInfo
	Departed *DeviceDeparture
}

type DeviceDeparture struct {
	PoolId   stratis.PoolId
	DeviceId stratis.DevId
}

// Assemble implements liminal.Engine: it is invoked once the Liminal
// Assembler has collected every expected member device for a pool. Each
// device is opened, its static header and metadata codec validated, and the
// first device's persisted JSON is taken as the pool's last-committed state
// (§8 "reassembly across a reboot").
func (e *Engine) Assemble(poolId stratis.PoolId, devices []liminal.DeviceInfo) error {
	var doc PersistedMetadata
	hydrated := make([]HydratedDevice, 0, len(devices))
	backend := e.backendFactory(e.log)

	for i, d := range devices {
		dev, err := backend.OpenDevice(d.Path)
		if err != nil {
			return stratis.Wrap(err, stratis.IoError).WithMetadata("op", "open_device").WithMetadata("path", d.Path)
		}
		codec, _, err := metadata.Open(dev, e.log)
		if err != nil {
			return err
		}
		if i == 0 {
			payload, err := codec.LoadState()
			if err != nil {
				return err
			}
			if err := json.Unmarshal(payload, &doc); err != nil {
				return stratis.Wrap(err, stratis.CorruptMetadata).WithMetadata("op", "unmarshal_metadata")
			}
		}
		hydrated = append(hydrated, HydratedDevice{Id: d.DeviceId, Path: d.Path, Codec: codec})
	}

	pool := NewPool(poolId, doc.Name, backend, PoolConfig{Policy: e.config.Policy, Metrics: e.metrics}, e.log)
	if err := pool.hydrate(doc, hydrated); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools[poolId] = pool
	e.names[doc.Name] = poolId
	return nil
}
