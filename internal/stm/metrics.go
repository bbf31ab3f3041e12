package stm

import "github.com/prometheus/client_golang/prometheus"

// metrics exposes commit-path counters through Prometheus, the way talent-plan-tinykv
// instruments its own transactional storage layer with prometheus/client_golang. It is only
// constructed when a Runtime is built WithMetricsRegisterer; a nil *metrics is safe to use
// throughout the commit path.
type metrics struct {
	commitsFastPath prometheus.Counter
	commitsFull     prometheus.Counter
	retries         prometheus.Counter
	commuteRuns     prometheus.Counter
	commuteDegens   prometheus.Counter
	reclaimCycles   prometheus.Counter
	reclaimedCells  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, runtimeID string) *metrics {
	labels := prometheus.Labels{"runtime": runtimeID}
	m := &metrics{
		commitsFastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_commits_fast_path_total",
			Help:        "Transactions committed via the read-only fast path (no writes or commutes).",
			ConstLabels: labels,
		}),
		commitsFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_commits_full_total",
			Help:        "Transactions committed via full two-phase commit.",
			ConstLabels: labels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_retries_total",
			Help:        "Transaction bodies re-executed after a retry-class error.",
			ConstLabels: labels,
		}),
		commuteRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_commute_runs_total",
			Help:        "Commutes executed, deferred or degenerate.",
			ConstLabels: labels,
		}),
		commuteDegens: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_commute_degenerations_total",
			Help:        "Commutes forced to run early because their isolation was broken.",
			ConstLabels: labels,
		}),
		reclaimCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_reclaim_cycles_total",
			Help:        "Reclamation sweeps performed.",
			ConstLabels: labels,
		}),
		reclaimedCells: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "stm_reclaimed_cells_total",
			Help:        "Distinct cells trimmed across all reclamation sweeps.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.commitsFastPath, m.commitsFull, m.retries, m.commuteRuns, m.commuteDegens,
		m.reclaimCycles, m.reclaimedCells,
	} {
		reg.MustRegister(c)
	}
	return m
}

// The increment helpers are nil-receiver safe so the commit path never has to branch on whether
// a Runtime was built with metrics enabled.

func (m *metrics) incFastPathCommit() {
	if m != nil {
		m.commitsFastPath.Inc()
	}
}

func (m *metrics) incFullCommit() {
	if m != nil {
		m.commitsFull.Inc()
	}
}

func (m *metrics) incRetry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *metrics) incCommuteRun() {
	if m != nil {
		m.commuteRuns.Inc()
	}
}

func (m *metrics) incCommuteDegeneration() {
	if m != nil {
		m.commuteDegens.Inc()
	}
}

func (m *metrics) incReclaimCycle(cells int) {
	if m != nil {
		m.reclaimCycles.Inc()
		m.reclaimedCells.Add(float64(cells))
	}
}
