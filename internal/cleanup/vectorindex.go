package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// CollectionClient is the slice of the Qdrant client the vector-index step
// needs. *qdrant.Client satisfies it.
type CollectionClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
}

// QdrantConfig configures the connection to the Qdrant cluster that hosts
// per-tenant document collections.
type QdrantConfig struct {
	Host   string
	Port   int
	UseTLS bool
	APIKey string
	// DialTimeout bounds connection establishment. Default 5s.
	DialTimeout time.Duration
}

// NewQdrantClient connects to Qdrant over gRPC.
func NewQdrantClient(cfg QdrantConfig, logger *zap.Logger) (*qdrant.Client, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	logger.Info("qdrant connection configured",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	return client, nil
}

// VectorIndexStep deletes a tenant's document collection from Qdrant.
type VectorIndexStep struct {
	client CollectionClient
	logger *zap.Logger
}

// NewVectorIndexStep creates the vector-index cleanup step.
func NewVectorIndexStep(client CollectionClient, logger *zap.Logger) *VectorIndexStep {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorIndexStep{client: client, logger: logger}
}

func (s *VectorIndexStep) Name() string { return "vector-index" }

func (s *VectorIndexStep) Run(ctx context.Context, tenantID string) error {
	name := TenantCollection(tenantID)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("vector-index: exists check for %s: %w", name, err)
	}
	if !exists {
		s.logger.Debug("tenant collection already absent", zap.String("collection", name))
		return nil
	}

	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("vector-index: delete %s: %w", name, err)
	}
	s.logger.Info("deleted tenant collection", zap.String("collection", name))
	return nil
}

// TenantCollection returns the Qdrant collection name holding a tenant's
// ingested documents.
func TenantCollection(tenantID string) string {
	return fmt.Sprintf("tenant_%s_documents", tenantID)
}

var _ Step = (*VectorIndexStep)(nil)
