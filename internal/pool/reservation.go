package pool

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/events"
	"github.com/fyrsmithlabs/poold/internal/logging"
	"github.com/fyrsmithlabs/poold/internal/registry"
	"github.com/fyrsmithlabs/poold/internal/slot"
	"github.com/fyrsmithlabs/poold/internal/vault"
)

// Reserve claims a slot for the tenant and binds its credentials.
//
// The operation is idempotent per tenant: if the tenant already holds an
// in-use slot, the existing allocation is returned unchanged. A tenant whose
// previous slot is still recycling gets ErrConflict; the release must finish
// first.
//
// If the reservation fails after the claim but before credential binding,
// the slot stays in-use and owned. Silently returning it to the pool without
// cleanup would leak the binding to the next occupant, so abandonment is the
// caller's responsibility via Release.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*Allocation, error) {
	if err := slot.ValidateID(req.TenantID); err != nil {
		return nil, err
	}
	if err := slot.ValidateID(req.UserID); err != nil {
		return nil, fmt.Errorf("%w: user", slot.ErrInvalidUserID)
	}
	ctx = logging.WithTenant(ctx, req.TenantID)

	if alloc, err := m.existingAllocation(ctx, req.TenantID); err != nil || alloc != nil {
		return alloc, err
	}

	if req.PreferDedicated {
		if !m.cfg.DedicatedEnabled {
			return nil, fmt.Errorf("%w: dedicated provisioning disabled", ErrPoolExhausted)
		}
		return m.reserveDedicated(ctx, req)
	}

	claimed, err := m.claimPoolSlot(req)
	if errors.Is(err, registry.ErrNotAvailable) {
		if m.cfg.DedicatedEnabled {
			m.logger.Info("pool exhausted, provisioning dedicated slot",
				logging.ContextFields(ctx)...)
			return m.reserveDedicated(ctx, req)
		}
		reservesTotal.WithLabelValues("exhausted").Inc()
		return nil, ErrPoolExhausted
	}
	if errors.Is(err, registry.ErrTenantHasSlot) {
		// Lost a race against an identical request; return its result.
		return m.existingAllocationStrict(ctx, req.TenantID)
	}
	if err != nil {
		return nil, err
	}

	return m.bindAllocation(ctx, claimed)
}

// existingAllocation returns the tenant's current allocation if one exists.
// (nil, nil) means the tenant holds nothing and a fresh claim should proceed.
func (m *Manager) existingAllocation(ctx context.Context, tenantID string) (*Allocation, error) {
	held, err := m.registry.GetByTenant(tenantID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if held.Status == slot.StatusRecycling {
		return nil, fmt.Errorf("%w: slot %s is recycling", ErrConflict, held.ID)
	}

	creds, err := m.vault.Get(ctx, held.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s holds slot %s but credentials are missing: %w",
			tenantID, held.ID, err)
	}
	return &Allocation{
		SlotID:      held.ID,
		Type:        held.Type,
		Endpoint:    held.Endpoint,
		Credentials: creds,
	}, nil
}

// existingAllocationStrict is existingAllocation for paths where the tenant
// is known to hold a slot.
func (m *Manager) existingAllocationStrict(ctx context.Context, tenantID string) (*Allocation, error) {
	alloc, err := m.existingAllocation(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if alloc == nil {
		return nil, fmt.Errorf("%w: tenant %s", ErrConflict, tenantID)
	}
	return alloc, nil
}

// claimPoolSlot attempts a bounded number of claims against the pool.
// Transient persistence failures are retried; capacity and ownership
// outcomes are final.
func (m *Manager) claimPoolSlot(req ReserveRequest) (*slot.Slot, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.ClaimAttempts; attempt++ {
		claimed, err := m.registry.Claim(req.TenantID, req.UserID, slot.TypePool)
		if err == nil {
			return claimed, nil
		}
		if errors.Is(err, registry.ErrNotAvailable) || errors.Is(err, registry.ErrTenantHasSlot) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("claim attempt failed",
			zap.String("tenant_id", req.TenantID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("claim failed after %d attempts: %w", m.cfg.ClaimAttempts, lastErr)
}

// reserveDedicated provisions a dedicated slot and claims it in the same
// logical step, so it is never observable as a reusable candidate. If
// provisioning fails before the claim, no slot record exists and nothing
// transitions.
func (m *Manager) reserveDedicated(ctx context.Context, req ReserveRequest) (*Allocation, error) {
	created, err := m.provisioner.Create(ctx, slot.TypeDedicated)
	if err != nil {
		reservesTotal.WithLabelValues("provisioning_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	claimed, err := m.registry.AddClaimed(created, slot.Owner{
		TenantID: req.TenantID,
		UserID:   req.UserID,
	})
	if errors.Is(err, registry.ErrTenantHasSlot) {
		// A concurrent identical request won; discard our backend.
		if derr := m.provisioner.Destroy(ctx, created.ID); derr != nil {
			m.logger.Error("failed to destroy orphaned dedicated slot",
				zap.String("slot_id", created.ID), zap.Error(derr))
		}
		return m.existingAllocationStrict(ctx, req.TenantID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := m.vault.Issue(ctx, claimed.ID); err != nil && !errors.Is(err, vault.ErrAlreadyIssued) {
		// The slot stays in-use and owned; Release tears it down.
		return nil, fmt.Errorf("credential issue for %s: %w", claimed.ID, err)
	}
	return m.bindAllocation(ctx, claimed)
}

// bindAllocation fetches the slot's credentials and completes the
// reservation.
func (m *Manager) bindAllocation(ctx context.Context, s *slot.Slot) (*Allocation, error) {
	ctx = logging.WithSlot(ctx, s.ID)

	creds, err := m.vault.Get(ctx, s.ID)
	if err != nil {
		reservesTotal.WithLabelValues("binding_failed").Inc()
		return nil, fmt.Errorf("credential binding for %s: %w", s.ID, err)
	}

	m.logger.Info("slot reserved", append(logging.ContextFields(ctx),
		zap.String("type", string(s.Type)),
	)...)
	m.events.Publish(events.Event{
		Type:     events.EventReserved,
		SlotID:   s.ID,
		TenantID: s.Owner.TenantID,
	})
	reservesTotal.WithLabelValues("ok").Inc()
	m.updateSlotGauges()

	return &Allocation{
		SlotID:      s.ID,
		Type:        s.Type,
		Endpoint:    s.Endpoint,
		Credentials: creds,
	}, nil
}
