// Package provision defines the capability interface to the external system
// that creates and tears down backend slots.
//
// The pool manager only ever talks to this interface; how a backend project
// is physically created lives behind it. Retry and backoff for flaky
// providers sit in a wrapper here, outside the pool's state machine.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/poold/internal/slot"
)

// ErrProvisioningFailed wraps provider errors surfaced to callers.
var ErrProvisioningFailed = errors.New("provisioning failed")

// Provisioner creates and destroys backend slots.
//
// Create must be idempotent-safe under retry: a retried call may not leak a
// half-created backend. Destroy and Exists are keyed by slot ID.
type Provisioner interface {
	Create(ctx context.Context, typ slot.Type) (*slot.Slot, error)
	Destroy(ctx context.Context, slotID string) error
	// Exists reports the provider's view of truth for a slot, used by the
	// reconciler to cross-check registry state.
	Exists(ctx context.Context, slotID string) (bool, error)
}

// Config holds static provisioning facts stamped onto new slots.
type Config struct {
	Region         string
	BillingAccount string
	// EndpointDomain is the public suffix for slot endpoints,
	// e.g. "bots.example.com".
	EndpointDomain string
}

// StaticProvisioner is an in-process provider that mints slot records with
// generated identities. It stands in for the real cloud provisioner in
// single-node deployments and tests.
type StaticProvisioner struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	alive map[string]bool
}

// NewStatic creates a static provisioner.
func NewStatic(cfg Config) *StaticProvisioner {
	return &StaticProvisioner{
		cfg:   cfg,
		alive: make(map[string]bool),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (p *StaticProvisioner) Create(ctx context.Context, typ slot.Type) (*slot.Slot, error) {
	id := "slot-" + uuid.NewString()[:8]
	s := &slot.Slot{
		ID:       id,
		Type:     typ,
		Status:   slot.StatusAvailable,
		Endpoint: fmt.Sprintf("https://%s.%s", id, p.cfg.EndpointDomain),
		Metadata: slot.Metadata{
			Region:         p.cfg.Region,
			BillingAccount: p.cfg.BillingAccount,
			DisplayName:    id,
		},
		CreatedAt: p.now(),
	}
	p.mu.Lock()
	p.alive[id] = true
	p.mu.Unlock()
	return s, nil
}

func (p *StaticProvisioner) Destroy(ctx context.Context, slotID string) error {
	p.mu.Lock()
	delete(p.alive, slotID)
	p.mu.Unlock()
	return nil
}

func (p *StaticProvisioner) Exists(ctx context.Context, slotID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[slotID], nil
}

// Restore marks slots as alive without creating them. The alive set is
// process-local while the registry persists; a restarted daemon rebuilds it
// from the registry so persisted slots are not reported missing on the next
// reconciliation pass.
func (p *StaticProvisioner) Restore(slotIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range slotIDs {
		p.alive[id] = true
	}
}

var _ Provisioner = (*StaticProvisioner)(nil)

// Retrying wraps a Provisioner with bounded retries and linear backoff on
// Create. Destroy is retried the same way; Exists is passed through.
type Retrying struct {
	inner    Provisioner
	attempts int
	backoff  time.Duration
}

// NewRetrying wraps inner with up to attempts tries per call.
func NewRetrying(inner Provisioner, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff}
}

func (r *Retrying) Create(ctx context.Context, typ slot.Type) (*slot.Slot, error) {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if err := r.wait(ctx, i); err != nil {
			return nil, err
		}
		s, err := r.inner.Create(ctx, typ)
		if err == nil {
			return s, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProvisioningFailed, r.attempts, lastErr)
}

func (r *Retrying) Destroy(ctx context.Context, slotID string) error {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if err := r.wait(ctx, i); err != nil {
			return err
		}
		if err := r.inner.Destroy(ctx, slotID); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrProvisioningFailed, r.attempts, lastErr)
}

func (r *Retrying) Exists(ctx context.Context, slotID string) (bool, error) {
	return r.inner.Exists(ctx, slotID)
}

func (r *Retrying) wait(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(attempt) * r.backoff):
		return nil
	}
}

var _ Provisioner = (*Retrying)(nil)
