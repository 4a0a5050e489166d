package indexer

import "github.com/prometheus/client_golang/prometheus"

// metricsSet holds aggregate build counters (SPEC_FULL.md §3 domain
// stack). Dump does not read it; per-build detail lives in the registry
// and Dump builds its snapshot from there. The private registry is not
// exposed outside this package.
type metricsSet struct {
	registry   *prometheus.Registry
	inProgress *prometheus.GaugeVec
	started    *prometheus.CounterVec
	committed  *prometheus.CounterVec
	aborted    *prometheus.CounterVec
}

// newMetricsSet registers its collectors against a private registry
// rather than prometheus.DefaultRegisterer, so that more than one
// Coordinator (as in tests) can coexist in the same process.
func newMetricsSet() *metricsSet {
	m := &metricsSet{
		registry: prometheus.NewRegistry(),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "idxbuild",
			Name:      "in_progress",
			Help:      "Number of index builds currently in progress, by database.",
		}, []string{"database"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idxbuild",
			Name:      "started_total",
			Help:      "Total index builds started, by database.",
		}, []string{"database"}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idxbuild",
			Name:      "committed_total",
			Help:      "Total index builds that reached COMMIT, by database.",
		}, []string{"database"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idxbuild",
			Name:      "aborted_total",
			Help:      "Total index builds that ended in abort or error, by database.",
		}, []string{"database"}),
	}
	m.registry.MustRegister(m.inProgress, m.started, m.committed, m.aborted)
	return m
}

func (m *metricsSet) observeStart(dbName DBName) {
	m.inProgress.WithLabelValues(string(dbName)).Inc()
	m.started.WithLabelValues(string(dbName)).Inc()
}

func (m *metricsSet) observeEnd(dbName DBName, success bool) {
	m.inProgress.WithLabelValues(string(dbName)).Dec()
	if success {
		m.committed.WithLabelValues(string(dbName)).Inc()
	} else {
		m.aborted.WithLabelValues(string(dbName)).Inc()
	}
}
