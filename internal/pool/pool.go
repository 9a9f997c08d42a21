// Package pool implements the slot pool coordinators: reservation, release,
// and reconciliation.
//
// The package owns the allocation protocol on top of the registry's
// conditional transitions. It never holds locks of its own; all atomicity
// lives in the registry, and the coordinators compose those transitions with
// the vault, the provisioner, and the cleanup collaborators.
package pool

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/cleanup"
	"github.com/fyrsmithlabs/poold/internal/events"
	"github.com/fyrsmithlabs/poold/internal/provision"
	"github.com/fyrsmithlabs/poold/internal/registry"
	"github.com/fyrsmithlabs/poold/internal/slot"
	"github.com/fyrsmithlabs/poold/internal/vault"
)

// Errors surfaced by the coordinators.
var (
	// ErrPoolExhausted means no pool slot is available and dedicated
	// provisioning is disabled or was not requested. A capacity error;
	// not retried automatically.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrConflict means a concurrent claim or release race was lost.
	// Callers may retry reservation with a fresh attempt; a release
	// conflict must never be retried blindly.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the tenant holds no slot.
	ErrNotFound = errors.New("not found")
	// ErrProvisioningFailed means external slot creation failed.
	ErrProvisioningFailed = provision.ErrProvisioningFailed
)

// Allocation is the result of a successful reservation.
type Allocation struct {
	SlotID      string             `json:"slot_id"`
	Type        slot.Type          `json:"type"`
	Endpoint    string             `json:"endpoint,omitempty"`
	Credentials *vault.Credentials `json:"credentials"`
}

// ReserveRequest asks for a slot on behalf of a tenant.
type ReserveRequest struct {
	TenantID        string
	UserID          string
	PreferDedicated bool
}

// StepFailure records one failed cleanup step.
type StepFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// ReleaseResult reports the outcome of a release or remediation run.
type ReleaseResult struct {
	SlotID          string        `json:"slot_id"`
	Success         bool          `json:"success"`
	Details         string        `json:"details,omitempty"`
	PartialFailures []StepFailure `json:"partial_failures,omitempty"`
}

// Config tunes the coordinators.
type Config struct {
	// ClaimAttempts bounds candidate retries during reservation.
	ClaimAttempts int
	// StepTimeout bounds each cleanup collaborator call.
	StepTimeout time.Duration
	// DedicatedEnabled allows provisioning dedicated slots when the pool
	// is exhausted or the tenant asks for one.
	DedicatedEnabled bool
}

func (c *Config) applyDefaults() {
	if c.ClaimAttempts == 0 {
		c.ClaimAttempts = 3
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 30 * time.Second
	}
}

// Manager coordinates reservations, releases, and audits over a registry.
type Manager struct {
	cfg         Config
	registry    *registry.Registry
	vault       vault.Vault
	provisioner provision.Provisioner
	steps       []cleanup.Step
	events      events.Publisher
	logger      *zap.Logger
}

// New creates a pool manager.
func New(cfg Config, reg *registry.Registry, v vault.Vault, p provision.Provisioner,
	steps []cleanup.Step, pub events.Publisher, logger *zap.Logger) *Manager {

	cfg.applyDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:         cfg,
		registry:    reg,
		vault:       v,
		provisioner: p,
		steps:       steps,
		events:      pub,
		logger:      logger,
	}
}

// Registry exposes the underlying registry for read-only projections.
func (m *Manager) Registry() *registry.Registry { return m.registry }
