// Prometheus metrics for pool capacity and coordinator outcomes.
package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/poold/internal/slot"
)

var (
	// slotsByStatus tracks the fleet by lifecycle state.
	// Labels: status (available, in-use, recycling, maintenance)
	slotsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "poold",
			Subsystem: "pool",
			Name:      "slots",
			Help:      "Number of slots by lifecycle status",
		},
		[]string{"status"},
	)

	// reservesTotal counts reservation outcomes.
	// Labels: result (ok, exhausted, provisioning_failed, binding_failed)
	reservesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poold",
			Subsystem: "pool",
			Name:      "reserves_total",
			Help:      "Total reservation attempts by outcome",
		},
		[]string{"result"},
	)

	// releasesTotal counts release outcomes.
	// Labels: result (ok, partial_failure)
	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poold",
			Subsystem: "pool",
			Name:      "releases_total",
			Help:      "Total release runs by outcome",
		},
		[]string{"result"},
	)

	// cleanupStepFailures counts individual collaborator failures.
	// Labels: step (vector-index, graph-database, oauth-clients, domain-records)
	cleanupStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poold",
			Subsystem: "pool",
			Name:      "cleanup_step_failures_total",
			Help:      "Total cleanup step failures by step name",
		},
		[]string{"step"},
	)

	auditRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poold",
			Subsystem: "pool",
			Name:      "audit_runs_total",
			Help:      "Total reconciler audit runs",
		},
	)

	auditDriftFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poold",
			Subsystem: "pool",
			Name:      "audit_drift_total",
			Help:      "Total drift findings across all audit runs",
		},
	)
)

// updateSlotGauges refreshes the per-status gauges from registry counts.
func (m *Manager) updateSlotGauges() {
	counts := m.registry.CountByStatus()
	for _, status := range []slot.Status{
		slot.StatusAvailable, slot.StatusInUse, slot.StatusRecycling, slot.StatusMaintenance,
	} {
		slotsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
