package engine_test

import (
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratis-storage/stratisd-sub004/internal/engine"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/metadata"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/simengine"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

func newScenarioEngine(backend engine.Backend) *engine.Engine {
	newBackend := func(logr.Logger) engine.Backend { return backend }
	cfg := engine.Config{Policy: thinpool.Policy{OverprovisioningEnabled: true, GrowthCap: 1 << 16}}
	return engine.NewEngine(newBackend, cfg, prometheus.NewRegistry(), logr.Discard())
}

var _ = Describe("pool lifecycle", func() {
	var (
		backend *simengine.Backend
		eng     *engine.Engine
	)

	BeforeEach(func() {
		backend = simengine.NewBackend()
		eng = newScenarioEngine(backend)
	})

	It("creates and destroys a pool, leaving both devices non-Stratis", func() {
		specs := []engine.DeviceSpec{
			{Id: stratis.NewId(), Path: "/dev/A", UsableSectors: 1 << 20},
			{Id: stratis.NewId(), Path: "/dev/B", UsableSectors: 1 << 20},
		}

		action, err := eng.CreatePool("p1", specs)
		Expect(err).NotTo(HaveOccurred())
		Expect(action.IsCreated()).To(BeTrue())

		pools := eng.ListPools()
		Expect(pools).To(HaveLen(1))
		Expect(pools[0].Name).To(Equal("p1"))
		Expect(pools[0].Id).To(Equal(action.Id()))

		Expect(eng.DestroyPool(action.Id())).To(Succeed())

		for _, spec := range specs {
			dev, err := backend.OpenDevice(spec.Path)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = metadata.ReadIdentifiers(dev)
			Expect(stratis.Of(err, stratis.NotFound)).To(BeTrue(), "expected %s to read back as non-Stratis", spec.Path)
		}
	})

	It("returns Identity for a repeated create and AlreadyExists for a conflicting one", func() {
		specs := []engine.DeviceSpec{
			{Id: stratis.NewId(), Path: "/dev/A", UsableSectors: 1 << 20},
			{Id: stratis.NewId(), Path: "/dev/B", UsableSectors: 1 << 20},
		}
		first, err := eng.CreatePool("p1", specs)
		Expect(err).NotTo(HaveOccurred())

		second, err := eng.CreatePool("p1", specs)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.IsIdentity()).To(BeTrue())
		Expect(second.Id()).To(Equal(first.Id()))

		conflicting := []engine.DeviceSpec{
			{Id: stratis.NewId(), Path: "/dev/A", UsableSectors: 1 << 20},
			{Id: stratis.NewId(), Path: "/dev/C", UsableSectors: 1 << 20},
		}
		_, err = eng.CreatePool("p1", conflicting)
		Expect(stratis.Of(err, stratis.AlreadyExists)).To(BeTrue())
	})

	It("clears a snapshot's origin reference once the origin is destroyed", func() {
		specs := []engine.DeviceSpec{{Id: stratis.NewId(), Path: "/dev/A", UsableSectors: 1 << 20}}
		action, err := eng.CreatePool("p1", specs)
		Expect(err).NotTo(HaveOccurred())
		pool, ok := eng.GetPool(action.Id())
		Expect(ok).To(BeTrue())

		fsAction, err := pool.CreateFilesystem("f", nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = pool.SnapshotFilesystem(fsAction.Id(), "s")
		Expect(err).NotTo(HaveOccurred())

		Expect(pool.DestroyFilesystems([]stratis.FilesystemId{fsAction.Id()})).To(Succeed())

		records := pool.CurrentFilesystems()
		Expect(records).To(HaveLen(1))
		Expect(records[0].Name).To(Equal("s"))
		Expect(records[0].Origin).To(BeNil())
	})
})
