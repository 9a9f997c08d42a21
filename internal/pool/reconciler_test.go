package pool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/cleanup"
	"github.com/fyrsmithlabs/poold/internal/provision"
	"github.com/fyrsmithlabs/poold/internal/registry"
	"github.com/fyrsmithlabs/poold/internal/slot"
	"github.com/fyrsmithlabs/poold/internal/vault"
)

// stubProvisioner lets a test dictate which backends exist externally.
type stubProvisioner struct {
	exists map[string]bool
}

func (p *stubProvisioner) Create(ctx context.Context, typ slot.Type) (*slot.Slot, error) {
	return nil, nil
}

func (p *stubProvisioner) Destroy(ctx context.Context, slotID string) error { return nil }

func (p *stubProvisioner) Exists(ctx context.Context, slotID string) (bool, error) {
	return p.exists[slotID], nil
}

// driftRegistry writes a registry file by hand so tests can load records that
// the registry's own transitions would never produce, then opens it.
func driftRegistry(t *testing.T, slots []*slot.Slot) *registry.Registry {
	t.Helper()

	st := struct {
		Version int                   `json:"version"`
		Slots   map[string]*slot.Slot `json:"slots"`
		Order   []string              `json:"order"`
	}{Version: 1, Slots: map[string]*slot.Slot{}}
	for _, s := range slots {
		st.Slots[s.ID] = s
		st.Order = append(st.Order, s.ID)
	}
	raw, err := json.Marshal(st)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "slots.json")
	require.NoError(t, os.WriteFile(path, raw, 0600))

	reg, err := registry.New(path)
	require.NoError(t, err)
	return reg
}

func driftManager(t *testing.T, reg *registry.Registry, prov provision.Provisioner) *Manager {
	t.Helper()
	v, err := vault.NewFileVault(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)
	if prov == nil {
		prov = &stubProvisioner{exists: map[string]bool{}}
	}
	return New(Config{}, reg, v, prov, []cleanup.Step{}, nil, zap.NewNop())
}

func poolSlot(id string) *slot.Slot {
	return &slot.Slot{
		ID:        id,
		Type:      slot.TypePool,
		Status:    slot.StatusAvailable,
		CreatedAt: time.Now().UTC(),
	}
}

func findingFor(report *Report, slotID string) *Finding {
	for i := range report.Findings {
		if report.Findings[i].SlotID == slotID {
			return &report.Findings[i]
		}
	}
	return nil
}

func TestAudit_CleanRegistry(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, 3)
	ctx := context.Background()

	_, err := f.manager.Reserve(ctx, ReserveRequest{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)

	report, err := f.manager.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Zero(t, report.DriftFound)
	assert.Empty(t, report.Findings)
}

// TestAudit_OrphanedBinding: an owned status with no owner is a write that
// never completed. A never-bound slot is safely reset; a bound one may have
// live dependent resources and is quarantined instead.
func TestAudit_OrphanedBinding(t *testing.T) {
	neverBound := poolSlot("s-never-bound")
	neverBound.Status = slot.StatusInUse

	wasBound := poolSlot("s-was-bound")
	wasBound.Status = slot.StatusRecycling
	wasBound.BoundAt = time.Now().UTC().Add(-time.Hour)

	reg := driftRegistry(t, []*slot.Slot{neverBound, wasBound})
	m := driftManager(t, reg, nil)

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.DriftFound)
	assert.Equal(t, 2, report.Repaired)

	fnd := findingFor(report, "s-never-bound")
	require.NotNil(t, fnd)
	assert.Equal(t, "repaired", fnd.Action)
	s, err := reg.Get("s-never-bound")
	require.NoError(t, err)
	assert.Equal(t, slot.StatusAvailable, s.Status)

	fnd = findingFor(report, "s-was-bound")
	require.NotNil(t, fnd)
	assert.Equal(t, "quarantined", fnd.Action)
	s, err = reg.Get("s-was-bound")
	require.NoError(t, err)
	assert.Equal(t, slot.StatusMaintenance, s.Status)
}

// TestAudit_AvailableWithOwner: ambiguous ownership is reported, never
// auto-resolved. Clearing the owner blind could discard a live binding.
func TestAudit_AvailableWithOwner(t *testing.T) {
	s := poolSlot("s-ghost-owner")
	s.Owner = &slot.Owner{TenantID: "t1", UserID: "u1"}

	reg := driftRegistry(t, []*slot.Slot{s})
	m := driftManager(t, reg, nil)

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DriftFound)
	assert.Zero(t, report.Repaired)

	fnd := findingFor(report, "s-ghost-owner")
	require.NotNil(t, fnd)
	assert.Equal(t, "reported", fnd.Action)

	got, err := reg.Get("s-ghost-owner")
	require.NoError(t, err)
	assert.Equal(t, slot.StatusAvailable, got.Status)
	assert.NotNil(t, got.Owner, "audit must not modify ambiguous records")
}

func TestAudit_DedicatedBackendMissing(t *testing.T) {
	gone := &slot.Slot{
		ID:        "s-ded-gone",
		Type:      slot.TypeDedicated,
		Status:    slot.StatusInUse,
		Owner:     &slot.Owner{TenantID: "t1", UserID: "u1"},
		BoundAt:   time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	alive := &slot.Slot{
		ID:        "s-ded-alive",
		Type:      slot.TypeDedicated,
		Status:    slot.StatusInUse,
		Owner:     &slot.Owner{TenantID: "t2", UserID: "u2"},
		BoundAt:   time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}

	reg := driftRegistry(t, []*slot.Slot{gone, alive})
	m := driftManager(t, reg, &stubProvisioner{exists: map[string]bool{"s-ded-alive": true}})

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DriftFound)

	fnd := findingFor(report, "s-ded-gone")
	require.NotNil(t, fnd)
	assert.Equal(t, "quarantined", fnd.Action)

	s, err := reg.Get("s-ded-gone")
	require.NoError(t, err)
	assert.Equal(t, slot.StatusMaintenance, s.Status)

	s, err = reg.Get("s-ded-alive")
	require.NoError(t, err)
	assert.Equal(t, slot.StatusInUse, s.Status)
}

// TestAudit_SurvivesRestart: the provider's alive set is rebuilt from the
// registry when the daemon comes back up, so a persisted dedicated slot is
// not mistaken for a torn-down backend on the first audit.
func TestAudit_SurvivesRestart(t *testing.T) {
	held := &slot.Slot{
		ID:        "slot-ded-1",
		Type:      slot.TypeDedicated,
		Status:    slot.StatusInUse,
		Owner:     &slot.Owner{TenantID: "t1", UserID: "u1"},
		BoundAt:   time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	reg := driftRegistry(t, []*slot.Slot{held})

	// A freshly constructed provider knows nothing; restoring from the
	// registry is what a restarted daemon does before its first audit.
	prov := provision.NewStatic(provision.Config{EndpointDomain: "bots.example.test"})
	ids := make([]string, 0, 1)
	for _, s := range reg.List() {
		ids = append(ids, s.ID)
	}
	prov.Restore(ids)
	m := driftManager(t, reg, prov)

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DriftFound)

	got, err := reg.Get("slot-ded-1")
	require.NoError(t, err)
	assert.Equal(t, slot.StatusInUse, got.Status, "live tenant's slot must stay bound")
}

func TestAudit_TenantOnTwoSlots(t *testing.T) {
	a := poolSlot("s-a")
	a.Status = slot.StatusInUse
	a.Owner = &slot.Owner{TenantID: "t1", UserID: "u1"}
	a.BoundAt = time.Now().UTC()

	b := poolSlot("s-b")
	b.Status = slot.StatusRecycling
	b.Owner = &slot.Owner{TenantID: "t1", UserID: "u1"}
	b.BoundAt = time.Now().UTC()

	reg := driftRegistry(t, []*slot.Slot{a, b})
	m := driftManager(t, reg, nil)

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.DriftFound)
	assert.Zero(t, report.Repaired)
	for _, id := range []string{"s-a", "s-b"} {
		fnd := findingFor(report, id)
		require.NotNil(t, fnd, "expected finding for %s", id)
		assert.Equal(t, "reported", fnd.Action)
	}
}

func TestRunReconciler_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.manager.RunReconciler(ctx, 10*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}

func TestSeed_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.manager.Seed(ctx, 3))
	assert.Len(t, f.registry.ListByStatus(slot.StatusAvailable), 3)

	// A second run tops up, not doubles.
	require.NoError(t, f.manager.Seed(ctx, 3))
	assert.Len(t, f.registry.ListByStatus(slot.StatusAvailable), 3)

	// In-use slots count against capacity.
	_, err := f.manager.Reserve(ctx, ReserveRequest{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Seed(ctx, 3))
	assert.Len(t, f.registry.ListByStatus(slot.StatusAvailable), 2)

	require.NoError(t, f.manager.Seed(ctx, 5))
	assert.Len(t, f.registry.ListByStatus(slot.StatusAvailable), 4)
}

// TestSeed_CountsQuarantined: a quarantined slot still holds its backend and
// rejoins the pool on remediation, so it counts toward capacity. Topping up
// past it would leave the fleet over-provisioned afterwards.
func TestSeed_CountsQuarantined(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, 2)
	ctx := context.Background()

	_, err := f.manager.Reserve(ctx, ReserveRequest{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	f.steps["vector-index"].fail(errors.New("collection delete timed out"))
	result, err := f.manager.Release(ctx, "t1")
	require.NoError(t, err)
	require.False(t, result.Success)

	require.NoError(t, f.manager.Seed(ctx, 2))
	assert.Len(t, f.registry.List(), 2, "restart must not top up past a quarantined slot")

	f.steps["vector-index"].fail(nil)
	slots := f.registry.ListByStatus(slot.StatusMaintenance)
	require.Len(t, slots, 1)
	_, err = f.manager.Remediate(ctx, slots[0].ID)
	require.NoError(t, err)
	assert.Len(t, f.registry.ListByStatus(slot.StatusAvailable), 2)
}

// Dedicated slots live outside the pool's capacity budget.
func TestSeed_IgnoresDedicated(t *testing.T) {
	f := newFixture(t, Config{DedicatedEnabled: true})
	f.seed(t, 2)
	ctx := context.Background()

	_, err := f.manager.Reserve(ctx, ReserveRequest{TenantID: "t1", UserID: "u1", PreferDedicated: true})
	require.NoError(t, err)

	require.NoError(t, f.manager.Seed(ctx, 2))
	assert.Len(t, f.registry.ListByStatus(slot.StatusAvailable), 2)
}
