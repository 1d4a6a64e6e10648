package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nsqio/go-nsq"

	"firenotes/apps/embedder/features/job"
	"firenotes/apps/embedder/features/mcp"
	"firenotes/apps/embedder/features/stats"
	"firenotes/apps/embedder/internal/adapter/firecrawl"
	"firenotes/apps/embedder/internal/adapter/qdrant"
	"firenotes/apps/embedder/internal/adapter/reranker"
	"firenotes/apps/embedder/internal/adapter/tei"
	"firenotes/apps/embedder/internal/config"
	"firenotes/apps/embedder/internal/daemon"
	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/queue"
	"firenotes/apps/embedder/internal/retrieval"
	"firenotes/apps/embedder/internal/text"
	"firenotes/apps/embedder/internal/worker"
)

// ErrRetrievalDisabled is returned by commands that need the embedding and
// vector endpoints when they are not configured.
var ErrRetrievalDisabled = errors.New("retrieval needs TEI_URL and QDRANT_URL")

type App struct {
	Config    *config.Config
	Queue     *queue.Queue
	Pipeline  *worker.Pipeline
	Processor *worker.JobProcessor
	Daemon    *daemon.Daemon
	// Retrieval is nil unless embedding is configured.
	Retrieval *retrieval.Service
	// Archive is nil unless DATABASE_URL is set.
	Archive *job.Service

	Collections *qdrant.CollectionCache
	ModelInfo   *tei.InfoCache

	consumers []*nsq.Consumer
	queryLog  *retrieval.QueryLogger
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	if deps == nil {
		deps = &Dependencies{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:      cfg,
		Collections: qdrant.NewCollectionCache(),
		ModelInfo:   tei.NewInfoCache(),
	}

	// Queue
	q, err := queue.New(cfg.QueueDir, queue.WithMaxRetries(cfg.MaxRetries))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.Queue = q

	// Adapters: embedding + vector store, only when both are set
	var (
		embedder worker.Embedder
		store    worker.VectorStore
	)
	if cfg.EmbeddingConfigured() {
		teiClient := tei.NewClient(cfg.TEIURL,
			tei.WithBatchSize(cfg.EmbedBatchSize),
			tei.WithConcurrency(cfg.EmbedConcurrency),
			tei.WithInfoCache(a.ModelInfo))
		qdrantClient := qdrant.NewClient(cfg.QdrantURL, qdrant.WithCollectionCache(a.Collections))
		embedder, store = teiClient, qdrantClient

		var rr *reranker.Client
		if cfg.RerankConfigured() {
			rr, err = reranker.NewClient(cfg.RerankProvider, cfg.RerankURL,
				reranker.WithAPIKey(cfg.RerankAPIKey),
				reranker.WithModel(cfg.RerankModel))
			if err != nil {
				return nil, fmt.Errorf("reranker: %w", err)
			}
		}

		a.queryLog, err = retrieval.NewFileQueryLogger(cfg.QueryLogPath)
		if err != nil {
			slog.Warn("failed to create query logger, query log disabled", "error", err)
		}
		a.Retrieval = retrieval.NewService(teiClient, qdrantClient, cfg.QdrantCollection, a.queryLog)
		if rr != nil {
			a.Retrieval.SetReranker(rr)
			slog.Info("search reranking enabled", "provider", rr.Provider())
		}
	} else {
		slog.Info("embedding not configured, pipeline runs as a no-op")
	}

	// Upstream crawl API
	var crawls worker.CrawlFetcher
	if fc := firecrawl.NewClient(cfg.FirecrawlAPIURL, cfg.FirecrawlAPIKey); fc.Configured() {
		crawls = fc
	}

	// Pipeline + processor
	pipeline, err := worker.NewPipeline(embedder, store, worker.PipelineConfig{
		Collection:  cfg.QdrantCollection,
		Chunking:    text.DefaultChunkConfig(),
		Concurrency: cfg.PipelineConcurrency,
	})
	if err != nil {
		return nil, err
	}
	a.Pipeline = pipeline
	a.Processor = worker.NewJobProcessor(q, crawls, pipeline)

	// Feature: Job (dead-letter archive)
	var archive stats.ArchiveCounter
	if deps.DB != nil {
		var pub job.EventPublisher
		if deps.NSQProducer != nil {
			pub = deps.NSQProducer
		}
		a.Archive = job.NewService(job.NewPostgresRepo(deps.DB), q, pub, logger, job.WithNotifyTopic(cfg.NSQNotifyTopic))
		q.SetArchiver(a.Archive)
		archive = a.Archive
	}

	// Feature: Stats
	statsHandler := stats.NewHandler(q, archive, stats.Settings{
		WebhookURL:     cfg.WebhookURL,
		WebhookPath:    cfg.WebhookPath,
		PollInterval:   cfg.PollInterval,
		StaleThreshold: cfg.StaleThreshold,
	})

	// Daemon
	a.Daemon = daemon.New(daemon.Config{
		Port:            cfg.WebhookPort,
		WebhookPath:     cfg.WebhookPath,
		WebhookSecret:   cfg.WebhookSecret,
		PollInterval:    cfg.PollInterval,
		StaleThreshold:  cfg.StaleThreshold,
		StuckThreshold:  cfg.StuckThreshold,
		CleanupInterval: cfg.CleanupInterval,
		CleanupMaxAge:   cfg.CleanupMaxAge,
	}, q, a.Processor, http.HandlerFunc(statsHandler.GetStatus))

	if a.Archive != nil {
		jobHandler := job.NewHandler(a.Archive)
		a.Daemon.Handle("GET /jobs/failed", http.HandlerFunc(jobHandler.List))
		a.Daemon.Handle("POST /jobs/{id}/retry", http.HandlerFunc(jobHandler.Retry))
	}

	// Feature: MCP
	if a.Retrieval != nil {
		a.Daemon.Handle("POST /mcp", middleware.MaxBody(mcp.MaxRequestBytes, mcp.NewHandler(a.Retrieval, q)))
	}

	return a, nil
}

// StartConsumers connects the NSQ consumers when NSQ_LOOKUPD is set.
func (a *App) StartConsumers() error {
	if a.Config.NSQLookupd == "" {
		return nil
	}

	handlers := map[string]nsq.Handler{
		a.Config.NSQNotifyTopic:   worker.NewNotifyConsumer(a.Queue, a.Processor),
		a.Config.NSQDocumentTopic: worker.NewEmbedderConsumer(a.Pipeline),
	}
	for topic, h := range handlers {
		consumer, err := nsq.NewConsumer(topic, config.ChannelEmbedder, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq consumer for %s: %w", topic, err)
		}
		consumer.SetLoggerLevel(nsq.LogLevelWarning)
		consumer.AddHandler(h)
		if err := consumer.ConnectToNSQLookupd(a.Config.NSQLookupd); err != nil {
			consumer.Stop()
			return fmt.Errorf("connect %s consumer to lookupd: %w", topic, err)
		}
		a.consumers = append(a.consumers, consumer)
		slog.Info("NSQ consumer connected", "topic", topic, "channel", config.ChannelEmbedder)
	}
	return nil
}

// RunDaemon serves the daemon and the NSQ consumers until ctx is cancelled.
func (a *App) RunDaemon(ctx context.Context) error {
	if err := a.StartConsumers(); err != nil {
		return err
	}
	return a.Daemon.Run(ctx)
}

func (a *App) Close() {
	for _, c := range a.consumers {
		c.Stop()
		<-c.StopChan
	}
	a.consumers = nil
	if err := a.Daemon.Stop(); err != nil {
		slog.Warn("daemon stop failed", "error", err)
	}
	a.Pipeline.Release()
	if a.queryLog != nil {
		if err := a.queryLog.Close(); err != nil {
			slog.Warn("failed to close query log", "error", err)
		}
	}
}
