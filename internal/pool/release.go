package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/poold/internal/events"
	"github.com/fyrsmithlabs/poold/internal/logging"
	"github.com/fyrsmithlabs/poold/internal/registry"
	"github.com/fyrsmithlabs/poold/internal/slot"
)

// Release unbinds the tenant's slot after running the cleanup sequence.
//
// The slot moves in-use -> recycling conditionally on ownership; a lost race
// (double release) returns ErrConflict without running cleanup twice. The
// dependent-resource steps run concurrently against disjoint external
// systems; every failure is collected rather than aborting the rest, because
// partial cleanup beats a slot stuck in recycling. Only the aggregate decides
// the slot's resulting status:
//
//   - all steps succeeded: credentials rotate, ownership clears, and the slot
//     returns to the pool (pool type) or is destroyed (dedicated type)
//   - any step failed: the slot is quarantined in maintenance with its owner
//     retained, and the failures are reported
func (m *Manager) Release(ctx context.Context, tenantID string) (*ReleaseResult, error) {
	if err := slot.ValidateID(tenantID); err != nil {
		return nil, err
	}

	ctx = logging.WithTenant(ctx, tenantID)

	held, err := m.registry.GetByTenant(tenantID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s holds no slot", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSlot(ctx, held.ID)

	s, err := m.registry.MarkRecycling(held.ID, tenantID)
	if errors.Is(err, registry.ErrConflict) {
		// Already recycling or re-claimed: a concurrent release owns the
		// cleanup run.
		return nil, fmt.Errorf("%w: release already in progress for %s", ErrConflict, held.ID)
	}
	if err != nil {
		return nil, err
	}

	failures := m.runCleanup(ctx, tenantID)
	if len(failures) > 0 {
		return m.quarantine(ctx, s, failures)
	}
	return m.finishRelease(ctx, s)
}

// Remediate re-runs the cleanup sequence for a quarantined slot. This is the
// only path from maintenance back to available (pool) or destroyed
// (dedicated). A maintenance record with no owner has no cleanup target;
// re-pooling it without running the steps could hand the next occupant a slot
// with the previous tenant's resources still attached, so remediation refuses
// and the record stays for the operator.
func (m *Manager) Remediate(ctx context.Context, slotID string) (*ReleaseResult, error) {
	ctx = logging.WithSlot(ctx, slotID)

	s, err := m.registry.Get(slotID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
	}
	if err != nil {
		return nil, err
	}
	if s.Status != slot.StatusMaintenance {
		return nil, fmt.Errorf("%w: slot %s is %s, not maintenance", ErrConflict, slotID, s.Status)
	}
	if s.Owner == nil {
		return nil, fmt.Errorf("%w: slot %s has no recorded owner, cleanup cannot be targeted", ErrConflict, slotID)
	}
	ctx = logging.WithTenant(ctx, s.Owner.TenantID)

	failures := m.runCleanup(ctx, s.Owner.TenantID)
	if len(failures) > 0 {
		return m.quarantine(ctx, s, failures)
	}

	result, err := m.finishRelease(ctx, s)
	if err != nil {
		return nil, err
	}
	m.events.Publish(events.Event{
		Type:     events.EventRemediated,
		SlotID:   s.ID,
		TenantID: tenantOf(s),
	})
	return result, nil
}

// runCleanup executes all cleanup steps concurrently with per-step timeouts
// and returns the collected failures, ordered by step name for deterministic
// reporting.
func (m *Manager) runCleanup(ctx context.Context, tenantID string) []StepFailure {
	var (
		mu       sync.Mutex
		failures []StepFailure
	)

	g := new(errgroup.Group)
	for _, step := range m.steps {
		g.Go(func() error {
			stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
			defer cancel()

			if err := step.Run(stepCtx, tenantID); err != nil {
				cleanupStepFailures.WithLabelValues(step.Name()).Inc()
				m.logger.Warn("cleanup step failed", append(logging.ContextFields(ctx),
					zap.String("step", step.Name()),
					zap.Error(err),
				)...)
				mu.Lock()
				failures = append(failures, StepFailure{Step: step.Name(), Error: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	// Steps never return errors through the group; Wait only serializes
	// the final status decision after all outcomes are known.
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Step < failures[j].Step })
	return failures
}

// finishRelease runs the success path after a clean sweep: scrub or rotate
// credentials, then return the slot to the pool or destroy it.
func (m *Manager) finishRelease(ctx context.Context, s *slot.Slot) (*ReleaseResult, error) {
	tenantID := tenantOf(s)

	if s.Type == slot.TypeDedicated {
		if err := m.vault.Scrub(ctx, s.ID); err != nil {
			return m.quarantine(ctx, s, []StepFailure{{Step: "credential-scrub", Error: err.Error()}})
		}
		if err := m.provisioner.Destroy(ctx, s.ID); err != nil {
			return m.quarantine(ctx, s, []StepFailure{{Step: "external-teardown", Error: err.Error()}})
		}
		if err := m.registry.Remove(s.ID); err != nil {
			return nil, err
		}
		m.logger.Info("dedicated slot destroyed", logging.ContextFields(ctx)...)
		m.events.Publish(events.Event{
			Type:     events.EventDestroyed,
			SlotID:   s.ID,
			TenantID: tenantID,
		})
		releasesTotal.WithLabelValues("ok").Inc()
		m.updateSlotGauges()
		return &ReleaseResult{SlotID: s.ID, Success: true, Details: "slot destroyed"}, nil
	}

	// Pool slot: fresh material before the next occupant.
	if _, err := m.vault.Rotate(ctx, s.ID); err != nil {
		return m.quarantine(ctx, s, []StepFailure{{Step: "credential-rotate", Error: err.Error()}})
	}
	if _, err := m.registry.ClearOwner(s.ID); err != nil {
		return nil, err
	}

	m.logger.Info("slot released", logging.ContextFields(ctx)...)
	m.events.Publish(events.Event{
		Type:     events.EventReleased,
		SlotID:   s.ID,
		TenantID: tenantID,
	})
	releasesTotal.WithLabelValues("ok").Inc()
	m.updateSlotGauges()
	return &ReleaseResult{SlotID: s.ID, Success: true}, nil
}

// quarantine parks the slot in maintenance with its owner retained for
// forensics and reports the collected failures.
func (m *Manager) quarantine(ctx context.Context, s *slot.Slot, failures []StepFailure) (*ReleaseResult, error) {
	if _, err := m.registry.Quarantine(s.ID); err != nil {
		return nil, err
	}

	m.logger.Error("cleanup incomplete, slot quarantined", append(logging.ContextFields(ctx),
		zap.Int("failed_steps", len(failures)),
	)...)
	m.events.Publish(events.Event{
		Type:     events.EventQuarantine,
		SlotID:   s.ID,
		TenantID: tenantOf(s),
		Detail:   fmt.Sprintf("%d cleanup steps failed", len(failures)),
	})
	releasesTotal.WithLabelValues("partial_failure").Inc()
	m.updateSlotGauges()

	return &ReleaseResult{
		SlotID:          s.ID,
		Success:         false,
		Details:         "cleanup incomplete, slot quarantined",
		PartialFailures: failures,
	}, nil
}

func tenantOf(s *slot.Slot) string {
	if s.Owner == nil {
		return ""
	}
	return s.Owner.TenantID
}
