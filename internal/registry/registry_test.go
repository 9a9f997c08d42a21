package registry

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/poold/internal/slot"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "slots.json"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func addPoolSlot(t *testing.T, r *Registry, id string) {
	t.Helper()
	err := r.Add(&slot.Slot{
		ID:        id,
		Type:      slot.TypePool,
		Status:    slot.StatusAvailable,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Add(%s) failed: %v", id, err)
	}
}

func TestClaim(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	s, err := r.Claim("t1", "u1", slot.TypePool)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if s.ID != "s1" {
		t.Errorf("claimed slot = %s, want s1", s.ID)
	}
	if s.Status != slot.StatusInUse {
		t.Errorf("status = %s, want in-use", s.Status)
	}
	if s.Owner == nil || s.Owner.TenantID != "t1" || s.Owner.UserID != "u1" {
		t.Errorf("owner = %+v, want t1/u1", s.Owner)
	}
	if s.BoundAt.IsZero() {
		t.Error("BoundAt not stamped")
	}

	// Pool exhausted for a second tenant.
	if _, err := r.Claim("t2", "u2", slot.TypePool); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("second Claim error = %v, want ErrNotAvailable", err)
	}
}

func TestClaim_OneSlotPerTenant(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")
	addPoolSlot(t, r, "s2")

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := r.Claim("t1", "u1", slot.TypePool); !errors.Is(err, ErrTenantHasSlot) {
		t.Errorf("duplicate tenant Claim error = %v, want ErrTenantHasSlot", err)
	}
}

func TestClaim_WearLeveling(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	r, err := New(filepath.Join(t.TempDir(), "slots.json"), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// s1 used recently, s2 idle longer: s2 must be preferred.
	for _, s := range []*slot.Slot{
		{ID: "s1", Type: slot.TypePool, Status: slot.StatusAvailable, LastUsedAt: now.Add(-time.Hour)},
		{ID: "s2", Type: slot.TypePool, Status: slot.StatusAvailable, LastUsedAt: now.Add(-2 * time.Hour)},
		{ID: "s3", Type: slot.TypePool, Status: slot.StatusAvailable, LastUsedAt: now.Add(-time.Hour)},
	} {
		if err := r.Add(s); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	got, err := r.Claim("t1", "u1", slot.TypePool)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got.ID != "s2" {
		t.Errorf("claimed %s, want s2 (least recently used)", got.ID)
	}

	// s1 and s3 tie on LastUsedAt: insertion order breaks the tie.
	got, err = r.Claim("t2", "u2", slot.TypePool)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("claimed %s, want s1 (insertion order tie-break)", got.ID)
	}
}

// TestClaim_Concurrent verifies mutual exclusion: N callers racing over K
// available slots produce exactly K winners and no shared slot.
func TestClaim_Concurrent(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"s1", "s2", "s3"} {
		addPoolSlot(t, r, id)
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*slot.Slot, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := "tenant-" + string(rune('a'+i))
			results[i], errs[i] = r.Claim(tenant, "u1", slot.TypePool)
		}(i)
	}
	wg.Wait()

	won := map[string]int{}
	var winners int
	for i := 0; i < callers; i++ {
		if errs[i] == nil {
			winners++
			won[results[i].ID]++
		} else if !errors.Is(errs[i], ErrNotAvailable) {
			t.Errorf("caller %d unexpected error: %v", i, errs[i])
		}
	}
	if winners != 3 {
		t.Errorf("winners = %d, want 3", winners)
	}
	for id, n := range won {
		if n != 1 {
			t.Errorf("slot %s claimed %d times", id, n)
		}
	}
}

func TestMarkRecycling(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	claimed, err := r.Claim("t1", "u1", slot.TypePool)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	s, err := r.MarkRecycling(claimed.ID, "t1")
	if err != nil {
		t.Fatalf("MarkRecycling failed: %v", err)
	}
	if s.Status != slot.StatusRecycling {
		t.Errorf("status = %s, want recycling", s.Status)
	}
	if s.Owner == nil {
		t.Error("owner cleared during recycling")
	}

	// Second transition loses the race: the slot is no longer in-use.
	if _, err := r.MarkRecycling(claimed.ID, "t1"); !errors.Is(err, ErrConflict) {
		t.Errorf("double MarkRecycling error = %v, want ErrConflict", err)
	}
}

func TestMarkRecycling_WrongOwner(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := r.MarkRecycling("s1", "t2"); !errors.Is(err, ErrConflict) {
		t.Errorf("MarkRecycling with wrong owner error = %v, want ErrConflict", err)
	}
}

func TestClearOwner(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := r.MarkRecycling("s1", "t1"); err != nil {
		t.Fatalf("MarkRecycling failed: %v", err)
	}

	s, err := r.ClearOwner("s1")
	if err != nil {
		t.Fatalf("ClearOwner failed: %v", err)
	}
	if s.Status != slot.StatusAvailable {
		t.Errorf("status = %s, want available", s.Status)
	}
	if s.Owner != nil {
		t.Errorf("owner = %+v, want nil", s.Owner)
	}
	if s.ReleasedAt.IsZero() {
		t.Error("ReleasedAt not stamped")
	}

	// The slot is claimable again.
	if _, err := r.Claim("t2", "u2", slot.TypePool); err != nil {
		t.Fatalf("reclaim after release failed: %v", err)
	}
}

func TestClearOwner_FromInUse(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	// Cleanup has not run; releasing an in-use slot directly is a conflict.
	if _, err := r.ClearOwner("s1"); !errors.Is(err, ErrConflict) {
		t.Errorf("ClearOwner from in-use error = %v, want ErrConflict", err)
	}
}

func TestClearOwner_DedicatedRejected(t *testing.T) {
	r := newTestRegistry(t)

	d := &slot.Slot{ID: "d1", Type: slot.TypeDedicated, Status: slot.StatusAvailable}
	if _, err := r.AddClaimed(d, slot.Owner{TenantID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("AddClaimed failed: %v", err)
	}
	if _, err := r.MarkRecycling("d1", "t1"); err != nil {
		t.Fatalf("MarkRecycling failed: %v", err)
	}
	if _, err := r.ClearOwner("d1"); !errors.Is(err, ErrConflict) {
		t.Errorf("ClearOwner on dedicated error = %v, want ErrConflict", err)
	}
}

func TestQuarantineExcludedFromClaims(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	if _, err := r.Quarantine("s1"); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	if _, err := r.Claim("t1", "u1", slot.TypePool); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Claim error = %v, want ErrNotAvailable (maintenance excluded)", err)
	}
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t)

	d := &slot.Slot{ID: "d1", Type: slot.TypeDedicated, Status: slot.StatusAvailable}
	if _, err := r.AddClaimed(d, slot.Owner{TenantID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("AddClaimed failed: %v", err)
	}

	// Removing a live slot must fail.
	if err := r.Remove("d1"); !errors.Is(err, ErrConflict) {
		t.Errorf("Remove in-use error = %v, want ErrConflict", err)
	}

	if _, err := r.MarkRecycling("d1", "t1"); err != nil {
		t.Fatalf("MarkRecycling failed: %v", err)
	}
	if err := r.Remove("d1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := r.Get("d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove error = %v, want ErrNotFound", err)
	}
}

func TestRepair(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Forcing a drifted record back to available clears its owner.
	s, err := r.Repair("s1", slot.StatusAvailable)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if s.Status != slot.StatusAvailable || s.Owner != nil {
		t.Errorf("repaired slot = %s/%+v, want available with no owner", s.Status, s.Owner)
	}

	if _, err := r.Repair("s1", slot.Status("active")); !errors.Is(err, slot.ErrInvalidStatus) {
		t.Errorf("Repair with bogus status error = %v, want ErrInvalidStatus", err)
	}
	if _, err := r.Repair("ghost", slot.StatusAvailable); !errors.Is(err, ErrNotFound) {
		t.Errorf("Repair unknown slot error = %v, want ErrNotFound", err)
	}
}

func TestGetByTenant(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")

	if _, err := r.GetByTenant("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByTenant before claim error = %v, want ErrNotFound", err)
	}

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	s, err := r.GetByTenant("t1")
	if err != nil {
		t.Fatalf("GetByTenant failed: %v", err)
	}
	if s.ID != "s1" {
		t.Errorf("slot = %s, want s1", s.ID)
	}

	// Still resolvable while recycling.
	if _, err := r.MarkRecycling("s1", "t1"); err != nil {
		t.Fatalf("MarkRecycling failed: %v", err)
	}
	if _, err := r.GetByTenant("t1"); err != nil {
		t.Errorf("GetByTenant while recycling failed: %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.json")

	r1, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r1.Add(&slot.Slot{ID: "s1", Type: slot.TypePool, Status: slot.StatusAvailable}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := r1.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// A fresh registry over the same file sees the claim.
	r2, err := New(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	s, err := r2.Get("s1")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if s.Status != slot.StatusInUse || !s.OwnedBy("t1") {
		t.Errorf("reloaded slot = %s/%+v, want in-use by t1", s.Status, s.Owner)
	}
}

// TestInvariantsUnderInterleaving drives random-ish interleavings of the
// conditional transitions and checks the ownership invariants after every
// step.
func TestInvariantsUnderInterleaving(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"s1", "s2"} {
		addPoolSlot(t, r, id)
	}

	tenants := []string{"t1", "t2", "t3"}
	var wg sync.WaitGroup
	for _, tenant := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s, err := r.Claim(tenant, "u", slot.TypePool)
				if err != nil {
					continue
				}
				if _, err := r.MarkRecycling(s.ID, tenant); err != nil {
					continue
				}
				r.ClearOwner(s.ID)
			}
		}(tenant)
	}
	wg.Wait()

	for _, s := range r.List() {
		if err := s.CheckInvariants(); err != nil {
			t.Errorf("invariant violated after interleaving: %v", err)
		}
	}
}

func TestCountByStatus(t *testing.T) {
	r := newTestRegistry(t)
	addPoolSlot(t, r, "s1")
	addPoolSlot(t, r, "s2")

	if _, err := r.Claim("t1", "u1", slot.TypePool); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	counts := r.CountByStatus()
	if counts[slot.StatusAvailable] != 1 || counts[slot.StatusInUse] != 1 {
		t.Errorf("counts = %v, want 1 available / 1 in-use", counts)
	}
}
