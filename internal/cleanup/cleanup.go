// Package cleanup holds the dependent-resource collaborators invoked during
// slot release.
//
// Each collaborator is an opaque, independently failing step. The release
// coordinator runs them concurrently, collects failures instead of aborting,
// and decides the slot's resulting status from the aggregate. Steps must
// respect their context deadline; a hung collaborator is a failed step, not a
// blocked release.
package cleanup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Step deletes one class of tenant-scoped resources.
type Step interface {
	// Name identifies the step in release results and logs,
	// e.g. "vector-index".
	Name() string
	// Run deletes the tenant's resources. Run must be idempotent: a
	// remediation retry after partial failure re-runs every step.
	Run(ctx context.Context, tenantID string) error
}

// Func adapts a function to the Step interface.
type Func struct {
	StepName string
	Fn       func(ctx context.Context, tenantID string) error
}

func (f Func) Name() string { return f.StepName }

func (f Func) Run(ctx context.Context, tenantID string) error {
	return f.Fn(ctx, tenantID)
}

// HTTPStep calls an external cleanup service over HTTP:
// DELETE {baseURL}/tenants/{tenantID}. A 404 counts as success; the
// resources are already gone.
type HTTPStep struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPStep creates a cleanup step against the given service base URL.
func NewHTTPStep(name, baseURL string, timeout time.Duration) *HTTPStep {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStep{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStep) Name() string { return s.name }

func (s *HTTPStep) Run(ctx context.Context, tenantID string) error {
	u := fmt.Sprintf("%s/tenants/%s", s.baseURL, url.PathEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", s.name, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Nothing left to delete.
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}
}

var (
	_ Step = Func{}
	_ Step = (*HTTPStep)(nil)
)
