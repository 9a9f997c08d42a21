// Package registry is the durable source of truth for slot identity, status,
// and ownership.
//
// The registry provides:
//   - Conditional transitions (Claim, MarkRecycling) with exactly-one-winner
//     semantics under concurrent callers
//   - Ownership invariant enforcement on every write, not just in callers
//   - Atomic JSON persistence (write to temp file, rename into place)
//
// All mutating operations hold the registry lock across the
// check-modify-persist sequence, so a transition is never observable
// half-applied. Returned slots are deep copies; callers cannot mutate
// registry state through them.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/poold/internal/slot"
)

// Errors for registry operations.
var (
	ErrNotFound      = errors.New("slot not found")
	ErrNotAvailable  = errors.New("no slot available")
	ErrConflict      = errors.New("slot transition conflict")
	ErrSlotExists    = errors.New("slot already registered")
	ErrTenantHasSlot = errors.New("tenant already holds a slot")
	ErrCorrupted     = errors.New("registry file corrupted")
)

// state is the persisted registry structure.
type state struct {
	Version int                   `json:"version"`
	Slots   map[string]*slot.Slot `json:"slots"`
	// Order preserves insertion order for deterministic candidate
	// tie-breaking when several slots share a last-used timestamp.
	Order []string `json:"order"`
}

// Registry manages slot records and their lifecycle transitions.
type Registry struct {
	mu       sync.Mutex
	filePath string
	data     *state
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry persisted at filePath. An existing file is loaded;
// a missing file starts an empty registry.
func New(filePath string, opts ...Option) (*Registry, error) {
	if filePath == "" {
		return nil, fmt.Errorf("registry file path is required")
	}

	r := &Registry{
		filePath: filePath,
		data: &state{
			Version: 1,
			Slots:   make(map[string]*slot.Slot),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return r, nil
}

// Add registers a new slot. The slot must satisfy the ownership invariants;
// duplicate IDs are rejected.
func (r *Registry) Add(s *slot.Slot) error {
	if err := s.CheckInvariants(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data.Slots[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSlotExists, s.ID)
	}
	r.data.Slots[s.ID] = s.Clone()
	r.data.Order = append(r.data.Order, s.ID)
	return r.save()
}

// AddClaimed registers a freshly provisioned dedicated slot already bound to
// its tenant. The slot is inserted in-use in a single transition so it is
// never observable as a reusable candidate.
func (r *Registry) AddClaimed(s *slot.Slot, owner slot.Owner) (*slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data.Slots[s.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSlotExists, s.ID)
	}
	if held := r.slotOfTenantLocked(owner.TenantID); held != nil {
		return nil, fmt.Errorf("%w: %s holds %s", ErrTenantHasSlot, owner.TenantID, held.ID)
	}

	c := s.Clone()
	now := r.now()
	c.Status = slot.StatusInUse
	c.Owner = &slot.Owner{TenantID: owner.TenantID, UserID: owner.UserID}
	c.BoundAt = now
	c.LastUsedAt = now
	if err := c.CheckInvariants(); err != nil {
		return nil, err
	}

	r.data.Slots[c.ID] = c
	r.data.Order = append(r.data.Order, c.ID)
	if err := r.save(); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Claim atomically binds the best available slot of the given type to the
// tenant. Candidate preference is lowest last-used timestamp (wear-leveling),
// falling back to insertion order. Concurrent callers see exactly one winner
// per slot; when no candidate remains, ErrNotAvailable is returned. A tenant
// already holding a slot gets ErrTenantHasSlot (one slot per tenant).
func (r *Registry) Claim(tenantID, userID string, typ slot.Type) (*slot.Slot, error) {
	if err := slot.ValidateID(tenantID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held := r.slotOfTenantLocked(tenantID); held != nil {
		return nil, fmt.Errorf("%w: %s holds %s", ErrTenantHasSlot, tenantID, held.ID)
	}

	candidate := r.bestCandidateLocked(typ)
	if candidate == nil {
		return nil, ErrNotAvailable
	}

	now := r.now()
	candidate.Status = slot.StatusInUse
	candidate.Owner = &slot.Owner{TenantID: tenantID, UserID: userID}
	candidate.BoundAt = now
	candidate.LastUsedAt = now
	if err := candidate.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return candidate.Clone(), nil
}

// MarkRecycling transitions a slot from in-use to recycling, conditional on
// the expected owner. A mismatch (double release, ownership race) returns
// ErrConflict and leaves the slot untouched.
func (r *Registry) MarkRecycling(slotID, expectedTenant string) (*slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	if s.Status != slot.StatusInUse || !s.OwnedBy(expectedTenant) {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrConflict, slotID, s.Status)
	}

	s.Status = slot.StatusRecycling
	if err := r.save(); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// ClearOwner completes a successful cleanup: the slot drops its owner and
// returns to the pool as available. Valid from recycling, and from
// maintenance for remediated slots. Dedicated slots are destroyed instead
// (see Remove); clearing one here would make it reusable.
func (r *Registry) ClearOwner(slotID string) (*slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	if s.Type == slot.TypeDedicated {
		return nil, fmt.Errorf("%w: dedicated slot %s cannot return to the pool", ErrConflict, slotID)
	}
	if s.Status != slot.StatusRecycling && s.Status != slot.StatusMaintenance {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrConflict, slotID, s.Status)
	}

	now := r.now()
	s.Status = slot.StatusAvailable
	s.Owner = nil
	s.BoundAt = time.Time{}
	s.ReleasedAt = now
	s.LastUsedAt = now
	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Quarantine moves a slot to maintenance, retaining its owner for forensic
// inspection. Maintenance slots are excluded from claim candidates until
// explicitly remediated.
func (r *Registry) Quarantine(slotID string) (*slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	s.Status = slot.StatusMaintenance
	if err := r.save(); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Repair forces a drifted record to the given status, clearing its owner
// when the target is available. Reserved for the reconciler and operator
// tooling; the resulting record must still satisfy the invariants.
func (r *Registry) Repair(slotID string, status slot.Status) (*slot.Slot, error) {
	if !slot.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", slot.ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}

	s.Status = status
	if status == slot.StatusAvailable {
		s.Owner = nil
		s.BoundAt = time.Time{}
	}
	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Remove deletes a slot record after external teardown (the dedicated slot's
// terminal state). Only slots mid-release or quarantined can be removed; an
// in-use or available slot is live and must not disappear.
func (r *Registry) Remove(slotID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	if s.Status != slot.StatusRecycling && s.Status != slot.StatusMaintenance {
		return fmt.Errorf("%w: slot %s is %s", ErrConflict, slotID, s.Status)
	}

	delete(r.data.Slots, slotID)
	for i, id := range r.data.Order {
		if id == slotID {
			r.data.Order = append(r.data.Order[:i], r.data.Order[i+1:]...)
			break
		}
	}
	return r.save()
}

// SetEndpoint records the slot's public URL once the owning tenant has
// deployed.
func (r *Registry) SetEndpoint(slotID, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	s.Endpoint = endpoint
	return r.save()
}

// Get returns the slot with the given ID.
func (r *Registry) Get(slotID string) (*slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data.Slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	return s.Clone(), nil
}

// GetByTenant returns the slot held by tenantID in {in-use, recycling}, or
// ErrNotFound. Uniqueness is guaranteed by the claim path.
func (r *Registry) GetByTenant(tenantID string) (*slot.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.slotOfTenantLocked(tenantID); s != nil {
		return s.Clone(), nil
	}
	return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
}

// ListByStatus returns all slots with the given status in insertion order.
func (r *Registry) ListByStatus(status slot.Status) []*slot.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*slot.Slot
	for _, id := range r.data.Order {
		if s := r.data.Slots[id]; s != nil && s.Status == status {
			out = append(out, s.Clone())
		}
	}
	return out
}

// List returns every slot in insertion order.
func (r *Registry) List() []*slot.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*slot.Slot, 0, len(r.data.Order))
	for _, id := range r.data.Order {
		if s := r.data.Slots[id]; s != nil {
			out = append(out, s.Clone())
		}
	}
	return out
}

// CountByStatus returns the number of slots per status, for capacity
// accounting and metrics.
func (r *Registry) CountByStatus() map[slot.Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[slot.Status]int, 4)
	for _, s := range r.data.Slots {
		counts[s.Status]++
	}
	return counts
}

// slotOfTenantLocked returns the slot bound to tenantID, if any. Callers
// must hold r.mu.
func (r *Registry) slotOfTenantLocked(tenantID string) *slot.Slot {
	for _, id := range r.data.Order {
		s := r.data.Slots[id]
		if s == nil || s.Owner == nil {
			continue
		}
		if (s.Status == slot.StatusInUse || s.Status == slot.StatusRecycling) &&
			s.Owner.TenantID == tenantID {
			return s
		}
	}
	return nil
}

// bestCandidateLocked picks the claim candidate: available slots of the given
// type, lowest last-used first, insertion order as tie-break. Callers must
// hold r.mu.
func (r *Registry) bestCandidateLocked(typ slot.Type) *slot.Slot {
	type ranked struct {
		s     *slot.Slot
		index int
	}
	var candidates []ranked
	for i, id := range r.data.Order {
		s := r.data.Slots[id]
		if s == nil || s.Type != typ || !s.Claimable() {
			continue
		}
		candidates = append(candidates, ranked{s: s, index: i})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.s.LastUsedAt.Equal(b.s.LastUsedAt) {
			return a.s.LastUsedAt.Before(b.s.LastUsedAt)
		}
		return a.index < b.index
	})
	return candidates[0].s
}

// load reads the registry from disk.
func (r *Registry) load() error {
	raw, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if st.Slots == nil {
		st.Slots = make(map[string]*slot.Slot)
	}
	// Rebuild order for files written before ordering was persisted.
	if len(st.Order) != len(st.Slots) {
		st.Order = st.Order[:0]
		for id := range st.Slots {
			st.Order = append(st.Order, id)
		}
		sort.Strings(st.Order)
	}

	r.data = &st
	return nil
}

// save writes the registry to disk atomically. Callers must hold r.mu.
func (r *Registry) save() error {
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmpPath := r.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename registry: %w", err)
	}
	return nil
}
