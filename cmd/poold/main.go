// Poold is the slot pool daemon.
//
// It maintains a pool of pre-provisioned backend slots, hands them to tenants
// on reservation, and recycles them through the cleanup sequence on release.
//
// Configuration is loaded from ~/.config/poold/config.yaml and environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults
//	poold
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9070 POOL_CAPACITY=20 poold
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/poold/internal/cleanup"
	"github.com/fyrsmithlabs/poold/internal/config"
	"github.com/fyrsmithlabs/poold/internal/events"
	"github.com/fyrsmithlabs/poold/internal/httpapi"
	"github.com/fyrsmithlabs/poold/internal/logging"
	"github.com/fyrsmithlabs/poold/internal/pool"
	"github.com/fyrsmithlabs/poold/internal/provision"
	"github.com/fyrsmithlabs/poold/internal/registry"
	"github.com/fyrsmithlabs/poold/internal/vault"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/poold/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  poold           Start the pool daemon\n")
			fmt.Fprintf(os.Stderr, "  poold version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("poold by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the pool daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build logger
//  3. Open registry and vault, connect NATS and Qdrant if enabled
//  4. Assemble cleanup steps and the pool manager
//  5. Seed the pool to capacity
//  6. Start the reconciler loop and HTTP server
//  7. Graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting poold",
		zap.Int("port", cfg.Server.Port),
		zap.Int("capacity", cfg.Pool.Capacity),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("qdrant_enabled", cfg.Qdrant.Enabled),
		zap.Int("cleanup_steps", len(deps.steps)))

	manager := pool.New(pool.Config{
		ClaimAttempts:    cfg.Pool.ClaimAttempts,
		StepTimeout:      cfg.Pool.StepTimeout.Duration(),
		DedicatedEnabled: cfg.Pool.DedicatedEnabled,
	}, deps.registry, deps.vault, deps.provisioner, deps.steps, deps.publisher, logger)

	if err := manager.Seed(ctx, cfg.Pool.Capacity); err != nil {
		return fmt.Errorf("failed to seed pool: %w", err)
	}
	logger.Info("Pool seeded", zap.Int("capacity", cfg.Pool.Capacity))

	go manager.RunReconciler(ctx, cfg.Pool.ReconcileInterval.Duration())

	srv, err := httpapi.NewServer(manager, logger, &httpapi.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		ReserveRate: cfg.Server.ReserveRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// dependencies holds all infrastructure collaborators.
type dependencies struct {
	registry    *registry.Registry
	vault       *vault.FileVault
	provisioner provision.Provisioner
	steps       []cleanup.Step
	publisher   events.Publisher
	natsConn    *nats.Conn
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// initDependencies opens the persistent state and connects to external
// systems.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	reg, err := registry.New(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	v, err := vault.NewFileVault(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	static := provision.NewStatic(provision.Config{
		Region:         cfg.Pool.Region,
		BillingAccount: cfg.Pool.BillingAccount,
		EndpointDomain: cfg.Pool.EndpointDomain,
	})
	// The provider's alive set does not persist across restarts; rebuild it
	// from the registry or the first audit would quarantine every persisted
	// dedicated slot as missing.
	existing := reg.List()
	ids := make([]string, 0, len(existing))
	for _, s := range existing {
		ids = append(ids, s.ID)
	}
	static.Restore(ids)
	prov := provision.NewRetrying(static, 3, time.Second)

	deps := &dependencies{
		registry:    reg,
		vault:       v,
		provisioner: prov,
		publisher:   events.Nop{},
	}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		deps.natsConn = nc
		deps.publisher = events.NewNATS(nc, logger)
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	deps.steps, err = buildCleanupSteps(cfg, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

// buildCleanupSteps assembles the release collaborators from config. Steps
// with no endpoint configured are left out; a missing collaborator is an
// operator decision, not a silent failure.
func buildCleanupSteps(cfg *config.Config, logger *zap.Logger) ([]cleanup.Step, error) {
	var steps []cleanup.Step

	if cfg.Qdrant.Enabled {
		client, err := cleanup.NewQdrantClient(cleanup.QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			UseTLS: cfg.Qdrant.UseTLS,
			APIKey: cfg.Qdrant.APIKey.Value(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		steps = append(steps, cleanup.NewVectorIndexStep(client, logger))
	}

	timeout := cfg.Cleanup.Timeout.Duration()
	if cfg.Cleanup.GraphURL != "" {
		steps = append(steps, cleanup.NewHTTPStep("graph-database", cfg.Cleanup.GraphURL, timeout))
	}
	if cfg.Cleanup.OAuthURL != "" {
		steps = append(steps, cleanup.NewHTTPStep("oauth-clients", cfg.Cleanup.OAuthURL, timeout))
	}
	if cfg.Cleanup.DNSURL != "" {
		steps = append(steps, cleanup.NewHTTPStep("domain-records", cfg.Cleanup.DNSURL, timeout))
	}

	return steps, nil
}
