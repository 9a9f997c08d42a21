// Package vault stores per-slot service credentials.
//
// Each slot has exactly one credential record, keyed by slot ID. Records are
// created when a slot is seeded into the pool, rotated when a slot is
// recycled, and deleted when a dedicated slot is destroyed. Secret material
// is never shared across slots and never rendered in logs or JSON.
package vault

import (
	"context"
	"errors"
	"time"
)

// Errors for vault operations.
var (
	ErrNotFound      = errors.New("credential record not found")
	ErrAlreadyIssued = errors.New("credential record already exists")
)

// Secret wraps secret material so it is redacted in logs and serialization.
// Use Value() to access the raw material.
type Secret string

// String implements fmt.Stringer. Always returns the redacted form.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string { return "Secret([REDACTED])" }

// MarshalJSON implements json.Marshaler. Always returns the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

// Value returns the raw secret material. Use sparingly.
func (s Secret) Value() string { return string(s) }

// Credentials is the credential record for one slot.
type Credentials struct {
	// PrincipalIdentity is the service account bound to the slot's
	// backend, e.g. "slot-3f2a@poold.iam".
	PrincipalIdentity string `json:"principal_identity"`
	// SecretMaterial is the secret bound to the principal. Redacted in
	// all serialized forms.
	SecretMaterial Secret `json:"secret_material"`
	// IssuedAt is when this material was generated. Rotation produces a
	// fresh timestamp, which release verification relies on.
	IssuedAt time.Time `json:"issued_at"`
}

// Vault issues, retrieves, rotates, and scrubs per-slot credentials.
type Vault interface {
	// Issue creates the credential record for a newly provisioned slot.
	// Issuing twice for the same slot is an error; recycled slots rotate
	// instead.
	Issue(ctx context.Context, slotID string) (*Credentials, error)

	// Get returns the slot's current credentials.
	Get(ctx context.Context, slotID string) (*Credentials, error)

	// Rotate scrubs the current material and issues fresh material for
	// the same slot, so the next occupant never sees the previous
	// tenant's secrets.
	Rotate(ctx context.Context, slotID string) (*Credentials, error)

	// Scrub permanently removes the record. Used when a dedicated slot
	// is destroyed. Scrubbing an absent record is not an error.
	Scrub(ctx context.Context, slotID string) error
}
