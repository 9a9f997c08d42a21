// Package httpapi provides the HTTP API for poold.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/poold/internal/logging"
	"github.com/fyrsmithlabs/poold/internal/pool"
	"github.com/fyrsmithlabs/poold/internal/slot"
)

// Server provides HTTP endpoints for poold.
type Server struct {
	echo    *echo.Echo
	manager *pool.Manager
	logger  *zap.Logger
	config  *Config
	limiter *rate.Limiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// ReserveRate caps reservation requests per second. Zero disables the
	// limiter; reservations fan out to the provisioner and must not be
	// allowed to stampede it.
	ReserveRate float64
}

// NewServer creates a new HTTP server.
func NewServer(manager *pool.Manager, logger *zap.Logger, cfg *Config) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("pool manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9070,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	// The generated request ID rides the context so coordinator logs can be
	// correlated with the request; handlers add tenant and slot the same way.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), rid)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request", append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)...)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:    e,
		manager: manager,
		logger:  logger,
		config:  cfg,
	}
	if cfg.ReserveRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ReserveRate), int(cfg.ReserveRate)+1)
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/reserve", s.handleReserve)
	v1.POST("/release", s.handleRelease)
	v1.GET("/status/:id", s.handleStatus)
	v1.POST("/audit", s.handleAudit)
	v1.POST("/slots/:id/remediate", s.handleRemediate)
}

// ReserveRequest is the request body for POST /api/v1/reserve.
type ReserveRequest struct {
	TenantID        string `json:"tenant_id"`
	UserID          string `json:"user_id"`
	PreferDedicated bool   `json:"prefer_dedicated"`
}

// ReserveResponse is the response body for POST /api/v1/reserve. This is the
// only surface where secret material leaves the daemon; vault types redact
// themselves when serialized, so the material is copied out explicitly here.
type ReserveResponse struct {
	SlotID      string              `json:"slot_id"`
	Type        slot.Type           `json:"type"`
	Endpoint    string              `json:"endpoint,omitempty"`
	Credentials CredentialsResponse `json:"credentials"`
}

// CredentialsResponse carries issued credentials to the reserving tenant.
type CredentialsResponse struct {
	PrincipalIdentity string    `json:"principal_identity"`
	SecretMaterial    string    `json:"secret_material"`
	IssuedAt          time.Time `json:"issued_at"`
}

// ReleaseRequest is the request body for POST /api/v1/release.
type ReleaseRequest struct {
	TenantID string `json:"tenant_id"`
}

// StatusResponse is the response body for GET /api/v1/status/:id. Credential
// material is never included; CredentialsRef names the vault entry instead.
type StatusResponse struct {
	SlotID         string      `json:"slot_id"`
	Type           slot.Type   `json:"type"`
	Status         slot.Status `json:"status"`
	TenantID       string      `json:"tenant_id,omitempty"`
	Endpoint       string      `json:"endpoint,omitempty"`
	CredentialsRef string      `json:"credentials_ref,omitempty"`
	BoundAt        *time.Time  `json:"bound_at,omitempty"`
	ReleasedAt     *time.Time  `json:"released_at,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReserve claims a slot for a tenant.
func (s *Server) handleReserve(c echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return echo.NewHTTPError(http.StatusTooManyRequests, "reservation rate limit exceeded")
	}

	var req ReserveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid reserve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id field is required")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}

	ctx := logging.WithTenant(c.Request().Context(), req.TenantID)
	c.SetRequest(c.Request().WithContext(ctx))

	alloc, err := s.manager.Reserve(ctx, pool.ReserveRequest{
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		PreferDedicated: req.PreferDedicated,
	})
	if err != nil {
		return mapError(err)
	}

	resp := ReserveResponse{
		SlotID:   alloc.SlotID,
		Type:     alloc.Type,
		Endpoint: alloc.Endpoint,
	}
	if alloc.Credentials != nil {
		resp.Credentials = CredentialsResponse{
			PrincipalIdentity: alloc.Credentials.PrincipalIdentity,
			SecretMaterial:    alloc.Credentials.SecretMaterial.Value(),
			IssuedAt:          alloc.Credentials.IssuedAt,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleRelease runs the cleanup sequence and unbinds the tenant's slot.
// Partial cleanup failures are reported with 200; the release itself was
// accepted and the slot is quarantined, not lost.
func (s *Server) handleRelease(c echo.Context) error {
	var req ReleaseRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid release request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id field is required")
	}

	ctx := logging.WithTenant(c.Request().Context(), req.TenantID)
	c.SetRequest(c.Request().WithContext(ctx))

	result, err := s.manager.Release(ctx, req.TenantID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleStatus reports a slot's state, looked up by slot ID or by the tenant
// currently holding it.
func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("id")
	if err := slot.ValidateID(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid identifier")
	}

	reg := s.manager.Registry()
	found, err := reg.Get(id)
	if err != nil {
		found, err = reg.GetByTenant(id)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no slot with that ID or tenant")
	}

	resp := StatusResponse{
		SlotID:   found.ID,
		Type:     found.Type,
		Status:   found.Status,
		Endpoint: found.Endpoint,
	}
	if found.Owner != nil {
		resp.TenantID = found.Owner.TenantID
		resp.CredentialsRef = "vault:" + found.ID
	}
	if !found.BoundAt.IsZero() {
		resp.BoundAt = &found.BoundAt
	}
	if !found.ReleasedAt.IsZero() {
		resp.ReleasedAt = &found.ReleasedAt
	}
	return c.JSON(http.StatusOK, resp)
}

// handleAudit runs a reconciliation pass and returns the report.
func (s *Server) handleAudit(c echo.Context) error {
	report, err := s.manager.Audit(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// handleRemediate re-runs cleanup for a quarantined slot.
func (s *Server) handleRemediate(c echo.Context) error {
	id := c.Param("id")
	if err := slot.ValidateID(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid slot ID")
	}

	ctx := logging.WithSlot(c.Request().Context(), id)
	c.SetRequest(c.Request().WithContext(ctx))

	result, err := s.manager.Remediate(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// mapError translates coordinator errors to HTTP status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pool.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrProvisioningFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, slot.ErrInvalidTenantID), errors.Is(err, slot.ErrInvalidUserID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
