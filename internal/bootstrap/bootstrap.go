// Package bootstrap wires configuration to concrete backends and hands the
// assembled use cases to the entrypoints.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/core/usecase"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/reranker"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/vector/memstore"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/retrieval-engine/internal/observability/logging"
	"github.com/kirillkom/retrieval-engine/internal/observability/metrics"
	"github.com/kirillkom/retrieval-engine/internal/observability/trace"
)

type App struct {
	Config  config.Config
	Ranking config.Ranking
	Logger  *slog.Logger

	Queue      ports.MessageQueue
	DocRepo    ports.DocumentRepository
	Retrieval  ports.RetrievalService
	Ingestor   ports.CorpusIngestor
	FacetIndex *usecase.FacetIndex

	Metrics *metrics.HTTPServerMetrics
	Traces  *trace.RingSink

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	ranking, err := config.LoadRanking(cfg.RankingConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load ranking config: %w", err)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	docRepo := postgres.NewDocumentRepository(db)
	statsRepo := postgres.NewChunkStatsRepository(db)
	facetRepo := postgres.NewFacetVectorRepository(db)
	if err := docRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure documents schema: %w", err)
	}
	if err := statsRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure chunk stats schema: %w", err)
	}
	if err := facetRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure facet vectors schema: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	exec := resilience.NewExecutor(resilience.DefaultConfig())

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, exec)
	embedder := ollama.NewEmbedder(ollamaClient, cfg.EmbedRateLimitRPS, cfg.EmbedRateLimitBurst)
	judge := ollama.NewJudge(ollamaClient)
	scorer := reranker.New(cfg.RerankerURL, cfg.RerankerModel, exec)

	var store ports.ChunkStore
	switch cfg.StoreBackend {
	case "memory":
		store = memstore.New(embedder)
	default:
		store = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, embedder, exec)
	}

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	traces := trace.NewRingSink(256)
	sink := trace.MultiSink{
		trace.SlogSink{Logger: logger},
		traces,
		metrics.NewTraceSink(httpMetrics, service),
	}

	facetIndex := usecase.NewFacetIndex(store, embedder, facetRepo, ranking, logger)
	if err := facetIndex.Refresh(ctx); err != nil {
		logger.Warn("facet_index_refresh_failed", "error", err)
	}

	memory := usecase.NewMemoryUpdater(statsRepo, ranking)
	retrievalUC := usecase.NewRetrievalUseCase(
		store, embedder, scorer, judge, statsRepo, facetIndex, memory, ranking, logger, sink,
	)
	ingestUC := usecase.NewIngestUseCase(docRepo, store)

	return &App{
		Config:  cfg,
		Ranking: ranking,
		Logger:  logger,

		Queue:      queue,
		DocRepo:    docRepo,
		Retrieval:  retrievalUC,
		Ingestor:   ingestUC,
		FacetIndex: facetIndex,

		Metrics: httpMetrics,
		Traces:  traces,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
