// Package slot defines the slot data model shared by the registry and the
// pool coordinators.
//
// A slot is the unit of allocation: a pre-provisioned backend (project,
// database, vector index, credentials, public URL) owned by at most one
// tenant at a time. Pool slots are fungible and recycled between tenants;
// dedicated slots are created and destroyed for exactly one tenant.
package slot

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Type distinguishes recyclable pool slots from single-tenant dedicated slots.
type Type string

const (
	// TypePool marks a fungible slot that returns to the pool after release.
	TypePool Type = "pool"
	// TypeDedicated marks a slot created for exactly one tenant and
	// destroyed on release, never reused.
	TypeDedicated Type = "dedicated"
)

// Status is the lifecycle state of a slot.
type Status string

const (
	// StatusAvailable means the slot is unowned and claimable.
	StatusAvailable Status = "available"
	// StatusInUse means the slot is bound to a tenant.
	StatusInUse Status = "in-use"
	// StatusRecycling means release cleanup is in progress.
	StatusRecycling Status = "recycling"
	// StatusMaintenance quarantines a slot whose cleanup could not be
	// verified complete. Maintenance slots are never claim candidates.
	StatusMaintenance Status = "maintenance"
)

// Common errors.
var (
	ErrInvalidTenantID = errors.New("invalid tenant ID")
	ErrInvalidUserID   = errors.New("invalid user ID")
	ErrInvalidStatus   = errors.New("invalid slot status")
	ErrInvalidType     = errors.New("invalid slot type")
)

// idPattern validates tenant and user identifiers. Allows alphanumeric,
// hyphens, underscores, and dots, not leading with a separator.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Owner identifies the tenant currently bound to a slot.
type Owner struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Metadata holds immutable provisioning facts recorded when a slot is
// created. These never change across recycle cycles.
type Metadata struct {
	Region         string `json:"region"`
	BillingAccount string `json:"billing_account"`
	DisplayName    string `json:"display_name"`
}

// Slot is the durable record for one backend allocation unit.
type Slot struct {
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	Status   Status   `json:"status"`
	Owner    *Owner   `json:"owner,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
	Metadata Metadata `json:"metadata"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	BoundAt    time.Time `json:"bound_at,omitzero"`
	ReleasedAt time.Time `json:"released_at,omitzero"`
}

// ValidStatus reports whether s is a member of the canonical status enum.
// Legacy values from earlier deployments (e.g. "active") are not accepted.
func ValidStatus(s Status) bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusRecycling, StatusMaintenance:
		return true
	}
	return false
}

// ValidType reports whether t is a member of the type enum.
func ValidType(t Type) bool {
	return t == TypePool || t == TypeDedicated
}

// ValidateID checks a tenant or user identifier for use in registry keys,
// vault filenames, and collection names.
func ValidateID(id string) error {
	if id == "" || len(id) > 255 || !idPattern.MatchString(id) {
		return ErrInvalidTenantID
	}
	return nil
}

// CheckInvariants verifies the per-slot ownership invariants. A violation
// indicates a registry bug, not a caller error; the registry treats it as
// fatal before persisting any transition.
func (s *Slot) CheckInvariants() error {
	if !ValidStatus(s.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s.Status)
	}
	if !ValidType(s.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidType, s.Type)
	}
	switch s.Status {
	case StatusAvailable:
		if s.Owner != nil {
			return fmt.Errorf("slot %s: available with owner %s", s.ID, s.Owner.TenantID)
		}
		// Dedicated slots are destroyed on release, never observed
		// available again after their first binding.
		if s.Type == TypeDedicated && !s.BoundAt.IsZero() {
			return fmt.Errorf("slot %s: dedicated slot available after first binding", s.ID)
		}
	case StatusInUse, StatusRecycling:
		if s.Owner == nil {
			return fmt.Errorf("slot %s: %s with no owner", s.ID, s.Status)
		}
	}
	return nil
}

// Claimable reports whether the slot is a reservation candidate.
func (s *Slot) Claimable() bool {
	return s.Status == StatusAvailable && s.Owner == nil
}

// OwnedBy reports whether the slot is currently bound to tenantID.
func (s *Slot) OwnedBy(tenantID string) bool {
	return s.Owner != nil && s.Owner.TenantID == tenantID
}

// Clone returns a deep copy. The registry hands out clones so callers can
// never mutate registry state through a returned pointer.
func (s *Slot) Clone() *Slot {
	c := *s
	if s.Owner != nil {
		o := *s.Owner
		c.Owner = &o
	}
	return &c
}
