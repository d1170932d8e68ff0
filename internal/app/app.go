// Package app assembles the repositories, services, ingestion pipeline and
// HTTP router of the docchat daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api/handlers"
	"github.com/cloo-solutions/docchat/internal/config"
	"github.com/cloo-solutions/docchat/internal/database"
	"github.com/cloo-solutions/docchat/internal/ingestion"
	"github.com/cloo-solutions/docchat/internal/jobs"
	"github.com/cloo-solutions/docchat/internal/ocr"
	"github.com/cloo-solutions/docchat/internal/openai"
	"github.com/cloo-solutions/docchat/internal/parser"
	"github.com/cloo-solutions/docchat/internal/repository"
	"github.com/cloo-solutions/docchat/internal/server"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/cloo-solutions/docchat/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Options struct {
	Config *config.Config
	Pool   *pgxpool.Pool
	// Blobs overrides the store chosen from Config.
	Blobs  service.BlobStore
	Logger *slog.Logger
}

// App is a wired daemon. Start runs the ingestion worker; Handler serves the API.
type App struct {
	Handler       http.Handler
	Documents     *service.DocumentService
	Chat          *service.ChatService
	Sessions      *service.SessionService
	Search        *service.SearchService
	Orchestrator  *ingestion.Orchestrator
	IngestionJobs *repository.IngestionJobRepository

	worker *jobs.Worker
	logger *slog.Logger
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if !cfg.HasOpenAI() {
		return nil, fmt.Errorf("DOCCHAT_OPENAI_API_KEY is required")
	}

	blobs := opts.Blobs
	if blobs == nil {
		var err error
		blobs, err = NewBlobStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	documentRepo := repository.NewDocumentRepository(opts.Pool)
	chunkRepo := repository.NewChunkRepository(opts.Pool)
	chatRepo := repository.NewChatRepository(opts.Pool)
	jobRepo := repository.NewIngestionJobRepository(opts.Pool)
	txRunner := repository.NewTxRunner(opts.Pool)

	llm := openai.NewClientWithConfig(openai.Config{
		APIKey:              cfg.OpenAIAPIKey,
		BaseURL:             cfg.OpenAIBaseURL,
		EmbeddingModel:      cfg.EmbeddingModel,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		ChatModel:           cfg.ChatModel,
		Temperature:         cfg.ChatTemperature,
		MaxTokens:           cfg.ChatMaxTokens,
		RequestsPerSecond:   cfg.OpenAIRPS,
		Burst:               cfg.OpenAIBurst,
		Logger:              logger,
	})
	if err := database.CheckEmbeddingDimensions(ctx, opts.Pool, llm.Dimensions()); err != nil {
		return nil, err
	}

	var ocrClient ingestion.OCRClient
	if cfg.HasOCR() {
		client := ocr.NewClient(cfg.OCRURL)
		if err := client.Healthy(ctx); err != nil {
			logger.Warn("ocr sidecar not healthy at startup", "url", cfg.OCRURL, "error", err)
		}
		ocrClient = client
	}

	pdfParser := parser.NewParserWithHeadingSize(cfg.HeadingFontSize)
	orchestrator := ingestion.NewOrchestrator(
		documentRepo,
		txRunner,
		blobs,
		pdfParser,
		ocrClient,
		llm,
		Settings(cfg),
		logger.With("component", "ingestion"),
	)

	documents := service.NewDocumentService(documentRepo, txRunner, blobs, pdfParser, service.UploadLimits{
		MaxBytes: cfg.MaxUploadBytes(),
		MaxPages: cfg.MaxPages,
	})
	retrieval := service.NewRetrievalService(chunkRepo, llm, cfg.TopK)
	chat := service.NewChatService(documentRepo, chatRepo, txRunner, retrieval, llm, cfg.HistoryMessages, logger.With("component", "chat"))
	sessions := service.NewSessionService(documentRepo, chatRepo)
	search := service.NewSearchService(documentRepo, chunkRepo)

	ingestionWorker := jobs.NewIngestionWorker(jobRepo, orchestrator, jobs.IngestionWorkerConfig{
		BatchSize:   cfg.WorkerBatchSize,
		Concurrency: cfg.WorkerConcurrency,
		Lease:       cfg.JobLease,
		MaxAttempts: cfg.JobMaxAttempts,
	}, logger.With("component", "ingestion_worker"))
	worker := jobs.NewWorker(ingestionWorker, cfg.WorkerPollInterval, logger.With("component", "worker"))
	documents.OnEnqueue(worker.Wake)

	router := server.NewRouter(server.RouterConfig{
		APIKey:          cfg.APIKey,
		Logger:          logger,
		MaxBodyBytes:    cfg.MaxBodyMB * 1024 * 1024,
		DocumentHandler: handlers.NewDocumentHandler(documents, cfg.MaxUploadBytes()),
		ChatHandler:     handlers.NewChatHandler(chat, logger.With("component", "chat_stream")),
		SessionHandler:  handlers.NewSessionHandler(sessions),
		SearchHandler:   handlers.NewSearchHandler(search),
	})

	return &App{
		Handler:       router,
		Documents:     documents,
		Chat:          chat,
		Sessions:      sessions,
		Search:        search,
		Orchestrator:  orchestrator,
		IngestionJobs: jobRepo,
		worker:        worker,
		logger:        logger,
	}, nil
}

// Start runs the ingestion worker until ctx is done or Stop is called.
func (a *App) Start(ctx context.Context) {
	go a.worker.Start(ctx)
	a.logger.Info("ingestion worker started")
}

// Stop waits for the worker to finish its current tick.
func (a *App) Stop() {
	a.worker.Stop()
}

// NewBlobStore returns the S3 store when S3 is configured, the local
// directory store otherwise.
func NewBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.BlobStore, error) {
	if !cfg.HasS3() {
		store, err := storage.NewLocalStore(cfg.LocalStorageDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open local storage: %w", err)
		}
		logger.Info("using local document storage", "dir", cfg.LocalStorageDir)
		return store, nil
	}

	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
	}
	logger.Info("S3 bucket ready", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	return store, nil
}

// Settings derives the pipeline tuning from the loaded configuration.
func Settings(cfg *config.Config) ingestion.Settings {
	return ingestion.Settings{
		Chunking: ingestion.ChunkOptions{
			TargetTokens:      cfg.ChunkTargetTokens,
			OverlapTokens:     cfg.ChunkOverlapTokens,
			BoundaryTolerance: cfg.ChunkBoundaryTolerance,
		},
		EmbeddingBatchSize:   cfg.EmbeddingBatchSize,
		EmbeddingConcurrency: cfg.EmbeddingConcurrency,
		Retry: ingestion.RetryPolicy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
		},
		OCRMinChars:  cfg.OCRMinChars,
		OCRPageRatio: cfg.OCRPageRatio,
	}
}
