package thinpool

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gauges Pool.Tick updates on every periodic check (§4.5,
// SPEC_FULL.md ambient-metrics carry-over). The engine does not
// itself serve an HTTP /metrics endpoint — that belongs to the daemon binary
// this package treats as external — so these gauges are registered into an
// internal registry a future exporter can mount.
type Metrics struct {
	DataUsedPercent     *prometheus.GaugeVec
	MetadataUsedPercent *prometheus.GaugeVec
	OutOfAllocSpace     *prometheus.GaugeVec
}

// NewMetrics constructs and registers the gauges against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the global
// DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DataUsedPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stratis_thinpool_data_used_percent",
			Help: "Percentage of thin-pool data space currently in use.",
		}, []string{"pool"}),
		MetadataUsedPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stratis_thinpool_metadata_used_percent",
			Help: "Percentage of thin-pool metadata space currently in use.",
		}, []string{"pool"}),
		OutOfAllocSpace: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stratis_thinpool_out_of_alloc_space",
			Help: "1 if the pool's thin-pool has entered the out-of-allocation-space state, 0 otherwise.",
		}, []string{"pool"}),
	}
	reg.MustRegister(m.DataUsedPercent, m.MetadataUsedPercent, m.OutOfAllocSpace)
	return m
}

// Observe records the current Status against pool's gauge series.
func (m *Metrics) Observe(pool string, s Status, outOfAllocSpace bool) {
	m.DataUsedPercent.WithLabelValues(pool).Set(s.DataUsedPercent())
	m.MetadataUsedPercent.WithLabelValues(pool).Set(s.MetadataUsedPercent())
	oas := 0.0
	if outOfAllocSpace {
		oas = 1.0
	}
	m.OutOfAllocSpace.WithLabelValues(pool).Set(oas)
}
