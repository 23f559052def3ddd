// =============================================================================
// 📦 AgentFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Memory:    DefaultMemoryServiceConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Qdrant:    DefaultQdrantConfig(),
		LLM:       DefaultLLMConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		GRPCPort:        9090,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultMemoryServiceConfig returns the default memory-service configuration
// (spec.md §6's enumerated configuration surface).
func DefaultMemoryServiceConfig() MemoryServiceConfig {
	return MemoryServiceConfig{
		VectorstoreFactory:       "redis",
		VectorDimensions:         1536,
		DistanceMetric:           "cosine",
		IndexingAlgorithm:        "hnsw",
		LongTermMemoryEnabled:    true,
		EnableDiscreteExtraction: true,
		EnableTopicExtraction:    true,
		EnableNER:                true,
		TopicModelSource:         "llm",
		SummarizationThreshold:   0.7,
		ContextWindowMax:         128000,
		ForgettingEnabled:        false,
		ForgettingMaxAgeDays:     90,
		ForgettingMinAccess:      5,
		CompactionEveryMinutes:   60,
		DedupDistanceThreshold:   0.1,
		DefaultWMTTLSeconds:      3600,
		RerankAlpha:              1,
		RerankBeta:               0,
		RerankGamma:              0,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentflow",
		Password:        "",
		Name:            "agentflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultQdrantConfig 返回默认 Qdrant 配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:                 "localhost",
		Port:                 6333,
		APIKey:               "",
		Collection:           "agentflow_vectors",
		AutoCreateCollection: true,
		Distance:             "Cosine",
		Timeout:              30 * time.Second,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider:     "openai",
		APIKey:              "",
		BaseURL:             "",
		Timeout:             2 * time.Minute,
		MaxRetries:          3,
		EmbeddingModel:      "text-embedding-3-small",
		GenerationModelFast: "gpt-4o-mini",
		GenerationModelSlow: "gpt-4o",
		RateLimitRPS:        10,
		RateLimitBurst:      20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentflow",
		SampleRate:   0.1,
	}
}
