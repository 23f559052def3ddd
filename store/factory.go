package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmem/memoryd/config"
)

// NewAdapterFromConfig builds the C2 Adapter named by
// cfg.Memory.VectorstoreFactory. "redis" is the default production
// backend; "memory" is for tests and single-process deployments; "qdrant"
// trades the brute-force scan for Qdrant's native HNSW index.
func NewAdapterFromConfig(cfg *config.Config, logger *zap.Logger) (Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Memory.VectorstoreFactory {
	case "", "memory":
		return NewInMemoryAdapter(logger), nil

	case "redis":
		return NewRedisAdapter(RedisAdapterConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)

	case "qdrant":
		return NewQdrantAdapter(QdrantAdapterConfig{
			Host:                 cfg.Qdrant.Host,
			Port:                 cfg.Qdrant.Port,
			APIKey:               cfg.Qdrant.APIKey,
			Collection:           cfg.Qdrant.Collection,
			AutoCreateCollection: cfg.Qdrant.AutoCreateCollection,
			Distance:             cfg.Qdrant.Distance,
			VectorSize:           cfg.Memory.VectorDimensions,
			Timeout:              cfg.Qdrant.Timeout,
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported vectorstore_factory: %s (want memory, redis, or qdrant)", cfg.Memory.VectorstoreFactory)
	}
}
