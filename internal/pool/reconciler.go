package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/slot"
)

// Finding is one drift observation from an audit run.
type Finding struct {
	SlotID string `json:"slot_id"`
	Issue  string `json:"issue"`
	// Action is "repaired", "quarantined", or "reported".
	Action string `json:"action"`
}

// Report summarizes an audit run.
type Report struct {
	CheckedAt  time.Time `json:"checked_at"`
	Scanned    int       `json:"scanned"`
	DriftFound int       `json:"drift_found"`
	Repaired   int       `json:"repaired"`
	Findings   []Finding `json:"findings,omitempty"`
}

// Audit walks every slot, re-validates the ownership invariants, and
// cross-checks dedicated slots against the provisioner's view of truth.
//
// Safe drift is repaired automatically: an owned status with no owner is a
// registry write that never completed, reset to available only if no
// dependent resources were ever bound, otherwise quarantined. Ambiguous
// ownership (an available slot carrying an owner, a tenant appearing on two
// live slots) is only reported, never auto-resolved; repairing it blind
// could discard a live tenant's backend.
//
// The audit never blocks reservation or release; it reads snapshots and
// applies repairs through the same conditional registry operations.
func (m *Manager) Audit(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: time.Now().UTC()}

	slots := m.registry.List()
	report.Scanned = len(slots)

	liveOwners := make(map[string][]string)
	for _, s := range slots {
		if s.Owner != nil && (s.Status == slot.StatusInUse || s.Status == slot.StatusRecycling) {
			liveOwners[s.Owner.TenantID] = append(liveOwners[s.Owner.TenantID], s.ID)
		}
	}

	for _, s := range slots {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		switch {
		case (s.Status == slot.StatusInUse || s.Status == slot.StatusRecycling) && s.Owner == nil:
			m.repairOrphanedBinding(report, s)

		case s.Status == slot.StatusAvailable && s.Owner != nil:
			m.report(report, s.ID, "available slot carries an owner", "reported")

		case s.Status == slot.StatusAvailable && s.Type == slot.TypeDedicated && !s.BoundAt.IsZero():
			// A dedicated slot must never recycle; quarantining it is
			// always safe because nothing can claim it afterwards.
			if _, err := m.registry.Quarantine(s.ID); err != nil {
				m.report(report, s.ID, "dedicated slot available after binding", "reported")
				continue
			}
			m.reportRepair(report, s.ID, "dedicated slot available after binding", "quarantined")

		case s.Type == slot.TypeDedicated && s.Status == slot.StatusInUse:
			m.checkExternalBacking(ctx, report, s)
		}

		if s.Owner != nil && len(liveOwners[s.Owner.TenantID]) > 1 &&
			(s.Status == slot.StatusInUse || s.Status == slot.StatusRecycling) {
			m.report(report, s.ID, "tenant holds multiple live slots", "reported")
		}
	}

	auditRunsTotal.Inc()
	auditDriftFound.Add(float64(report.DriftFound))
	m.updateSlotGauges()

	m.logger.Info("audit complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("drift_found", report.DriftFound),
		zap.Int("repaired", report.Repaired),
	)
	return report, nil
}

// repairOrphanedBinding handles an owned status with no owner: a write that
// never completed. Resetting to available is safe only when nothing was ever
// bound to the slot; otherwise the previous occupant's resources may still
// exist and the slot is quarantined for remediation.
func (m *Manager) repairOrphanedBinding(report *Report, s *slot.Slot) {
	if s.BoundAt.IsZero() {
		if _, err := m.registry.Repair(s.ID, slot.StatusAvailable); err != nil {
			m.logger.Warn("failed to repair orphaned binding",
				zap.String("slot_id", s.ID), zap.Error(err))
			m.report(report, s.ID, "owned status with no owner", "reported")
			return
		}
		m.reportRepair(report, s.ID, "owned status with no owner, never bound", "repaired")
		return
	}

	if _, err := m.registry.Quarantine(s.ID); err != nil {
		m.report(report, s.ID, "owned status with no owner", "reported")
		return
	}
	m.reportRepair(report, s.ID, "owned status with no owner, resources bound", "quarantined")
}

// checkExternalBacking verifies a dedicated slot's backend still exists.
func (m *Manager) checkExternalBacking(ctx context.Context, report *Report, s *slot.Slot) {
	exists, err := m.provisioner.Exists(ctx, s.ID)
	if err != nil {
		m.logger.Warn("provisioner cross-check failed",
			zap.String("slot_id", s.ID), zap.Error(err))
		return
	}
	if exists {
		return
	}
	// The backend vanished under a live tenant. Quarantine so nothing
	// else happens to the record until an operator looks.
	if _, qerr := m.registry.Quarantine(s.ID); qerr != nil {
		m.report(report, s.ID, "dedicated backend missing externally", "reported")
		return
	}
	m.reportRepair(report, s.ID, "dedicated backend missing externally", "quarantined")
}

func (m *Manager) report(report *Report, slotID, issue, action string) {
	report.DriftFound++
	report.Findings = append(report.Findings, Finding{SlotID: slotID, Issue: issue, Action: action})
}

func (m *Manager) reportRepair(report *Report, slotID, issue, action string) {
	report.DriftFound++
	report.Repaired++
	report.Findings = append(report.Findings, Finding{SlotID: slotID, Issue: issue, Action: action})
}

// RunReconciler audits on a fixed interval until the context is cancelled.
func (m *Manager) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Audit(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("scheduled audit failed", zap.Error(err))
			}
		}
	}
}
