package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/api/handlers"
	"github.com/agentmem/memoryd/config"
	"github.com/agentmem/memoryd/internal/metrics"
	"github.com/agentmem/memoryd/internal/server"
	"github.com/agentmem/memoryd/internal/telemetry"
	"github.com/agentmem/memoryd/internal/tokencount"
	"github.com/agentmem/memoryd/llm/embedding"
	"github.com/agentmem/memoryd/llmclient"
	"github.com/agentmem/memoryd/memory/longterm"
	"github.com/agentmem/memoryd/memory/pipeline"
	"github.com/agentmem/memoryd/memory/working"
	"github.com/agentmem/memoryd/query"
	"github.com/agentmem/memoryd/store"
	"github.com/agentmem/memoryd/tasks"
)

// Server wires together the memory service's components (C1-C6 plus the
// Query Service) and exposes them behind the ambient health/metrics HTTP
// surface. Application code embeds memoryd as a library and calls into
// Working, Longterm, Pipeline, and Query directly; nothing here is a
// business-logic HTTP handler.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	Working  *working.Store
	Longterm *longterm.Store
	Pipeline *pipeline.Pipeline
	Tasks    *tasks.Runtime
	Query    *query.Service
	llm      *llmclient.Client

	httpManager      *server.Manager
	metricsManager   *server.Manager
	metricsCollector *metrics.Collector
	healthHandler    *handlers.HealthHandler
	telemetry        *telemetry.Providers
}

// NewServer builds every component but does not start any of them.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	adapter, err := store.NewAdapterFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build vector store adapter: %w", err)
	}
	longtermStore := longterm.New(adapter, logger)

	taskRuntime, err := tasks.New(tasks.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build task runtime: %w", err)
	}

	workingStore, err := working.New(working.Config{
		Addr:                   cfg.Redis.Addr,
		Password:               cfg.Redis.Password,
		DB:                     cfg.Redis.DB,
		PoolSize:               cfg.Redis.PoolSize,
		MinIdleConns:           cfg.Redis.MinIdleConns,
		DefaultTTLSeconds:      cfg.Memory.DefaultWMTTLSeconds,
		ContextWindowMax:       cfg.Memory.ContextWindowMax,
		SummarizationThreshold: cfg.Memory.SummarizationThreshold,
	}, taskRuntime, logger)
	if err != nil {
		return nil, fmt.Errorf("build working memory store: %w", err)
	}

	embedder := buildEmbeddingProvider(cfg.LLM)
	llmClient := llmclient.New(llmclient.Config{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		GenerationModel: cfg.LLM.GenerationModelFast,
		RateLimitRPS:    cfg.LLM.RateLimitRPS,
		RateLimitBurst:  cfg.LLM.RateLimitBurst,
		RequestTimeout:  cfg.LLM.Timeout,
	}, embedder, logger)

	tokens := tokencount.New(cfg.LLM.EmbeddingModel)

	memoryPipeline := pipeline.New(workingStore, longtermStore, llmClient, tokens, pipeline.Config{
		DedupDistanceThreshold:   cfg.Memory.DedupDistanceThreshold,
		EnableDiscreteExtraction: cfg.Memory.EnableDiscreteExtraction,
		EnableTopicExtraction:    cfg.Memory.EnableTopicExtraction,
		EnableNER:                cfg.Memory.EnableNER,
		TopicModelSource:         cfg.Memory.TopicModelSource,
		ForgettingEnabled:        cfg.Memory.ForgettingEnabled,
		ForgettingMaxAgeDays:     cfg.Memory.ForgettingMaxAgeDays,
		ForgettingMinAccess:      cfg.Memory.ForgettingMinAccess,
	}, logger)

	tasks.RegisterPipelineHandlers(taskRuntime, memoryPipeline)
	if cfg.Memory.CompactionEveryMinutes > 0 {
		taskRuntime.SchedulePeriodic(tasks.PeriodicEntry{
			TaskName: "Compact",
			Interval: time.Duration(cfg.Memory.CompactionEveryMinutes) * time.Minute,
		})
	}
	if cfg.Memory.ForgettingEnabled {
		taskRuntime.SchedulePeriodic(tasks.PeriodicEntry{
			TaskName: "Forget",
			Interval: 24 * time.Hour,
		})
	}

	queryService := query.New(longtermStore, workingStore, llmClient, llmClient, taskRuntime, query.Config{
		Rerank: query.RerankWeights{
			Alpha: cfg.Memory.RerankAlpha,
			Beta:  cfg.Memory.RerankBeta,
			Gamma: cfg.Memory.RerankGamma,
		},
	}, logger)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		Working:  workingStore,
		Longterm: longtermStore,
		Pipeline: memoryPipeline,
		Tasks:    taskRuntime,
		Query:    queryService,
		llm:      llmClient,
	}, nil
}

// buildEmbeddingProvider selects an embedding.Provider by cfg.DefaultProvider,
// defaulting to OpenAI. Every provider shares the same flat LLMConfig surface
// (spec.md §6 treats provider wire calls as an external collaborator).
func buildEmbeddingProvider(cfg config.LLMConfig) embedding.Provider {
	base := embedding.BaseConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.EmbeddingModel,
		Timeout: cfg.Timeout,
	}
	switch cfg.DefaultProvider {
	case "voyage":
		return embedding.NewVoyageProvider(embedding.VoyageConfig{APIKey: base.APIKey, BaseURL: base.BaseURL, Model: base.Model, Timeout: base.Timeout})
	case "cohere":
		return embedding.NewCohereProvider(embedding.CohereConfig{APIKey: base.APIKey, BaseURL: base.BaseURL, Model: base.Model, Timeout: base.Timeout})
	case "jina":
		return embedding.NewJinaProvider(embedding.JinaConfig{APIKey: base.APIKey, BaseURL: base.BaseURL, Model: base.Model, Timeout: base.Timeout})
	case "gemini":
		return embedding.NewGeminiProvider(embedding.GeminiConfig{APIKey: base.APIKey, BaseURL: base.BaseURL, Model: base.Model, Timeout: base.Timeout})
	default:
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{APIKey: base.APIKey, BaseURL: base.BaseURL, Model: base.Model, Timeout: base.Timeout})
	}
}

// Start brings up the background task runtime and the HTTP/metrics servers.
func (s *Server) Start() error {
	ctx := context.Background()

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetry = providers

	if err := s.Tasks.Start(ctx); err != nil {
		return fmt.Errorf("start task runtime: %w", err)
	}

	s.metricsCollector = metrics.NewCollector("memoryd", s.logger)
	s.initHealthHandler()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("memoryd servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) initHealthHandler() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("working_memory", s.Working.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("long_term_memory", s.Longterm.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("task_runtime", s.Tasks.Ping))
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then shuts everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown gracefully stops every component in dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down memoryd")
	ctx := context.Background()

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	s.Tasks.Stop()
	if err := s.Tasks.Close(); err != nil {
		s.logger.Error("task runtime close error", zap.Error(err))
	}
	if err := s.Working.Close(); err != nil {
		s.logger.Error("working memory store close error", zap.Error(err))
	}

	s.logger.Info("memoryd shutdown complete")
}
