package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/cleanup"
	"github.com/fyrsmithlabs/poold/internal/provision"
	"github.com/fyrsmithlabs/poold/internal/registry"
	"github.com/fyrsmithlabs/poold/internal/vault"
)

// fakeStep is a controllable cleanup collaborator.
type fakeStep struct {
	name string

	mu    sync.Mutex
	err   error
	calls int
	// block, when non-nil, makes Run wait until the channel closes.
	block chan struct{}
}

func (f *fakeStep) Name() string { return f.name }

func (f *fakeStep) Run(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeStep) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeStep) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fixture bundles a manager with its collaborators for inspection.
type fixture struct {
	manager     *Manager
	registry    *registry.Registry
	vault       *vault.FileVault
	provisioner *provision.StaticProvisioner
	steps       map[string]*fakeStep
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "slots.json"))
	require.NoError(t, err)
	v, err := vault.NewFileVault(filepath.Join(dir, "vault"))
	require.NoError(t, err)

	prov := provision.NewStatic(provision.Config{
		Region:         "eu-west-1",
		BillingAccount: "acct-test",
		EndpointDomain: "bots.example.test",
	})

	steps := map[string]*fakeStep{}
	var stepList []cleanup.Step
	for _, name := range []string{"vector-index", "graph-database", "oauth-clients", "domain-records"} {
		s := &fakeStep{name: name}
		steps[name] = s
		stepList = append(stepList, s)
	}

	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = time.Second
	}
	m := New(cfg, reg, v, prov, stepList, nil, zap.NewNop())

	return &fixture{
		manager:     m,
		registry:    reg,
		vault:       v,
		provisioner: prov,
		steps:       steps,
	}
}

// seed fills the pool with n slots, credentials included.
func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, f.manager.Seed(context.Background(), n))
}
