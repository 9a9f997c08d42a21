package pool

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/slot"
	"github.com/fyrsmithlabs/poold/internal/vault"
)

// Seed provisions pool slots until the registry holds capacity pool-type
// slots, issuing credentials for each new slot. Seeding is idempotent:
// restarting the daemon tops the pool up instead of growing it. Every status
// counts toward capacity; a quarantined slot still holds its backend and
// returns to the pool on remediation, so topping up past it would leave the
// fleet over-provisioned. Dedicated slots live outside the capacity budget.
func (m *Manager) Seed(ctx context.Context, capacity int) error {
	existing := 0
	for _, s := range m.registry.List() {
		if s.Type == slot.TypePool {
			existing++
		}
	}

	for i := existing; i < capacity; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		created, err := m.provisioner.Create(ctx, slot.TypePool)
		if err != nil {
			return fmt.Errorf("pool seeding: %w", err)
		}
		if err := m.registry.Add(created); err != nil {
			return fmt.Errorf("pool seeding: %w", err)
		}
		if _, err := m.vault.Issue(ctx, created.ID); err != nil && !errors.Is(err, vault.ErrAlreadyIssued) {
			return fmt.Errorf("pool seeding credentials for %s: %w", created.ID, err)
		}

		m.logger.Info("seeded pool slot", zap.String("slot_id", created.ID))
	}

	m.updateSlotGauges()
	return nil
}
