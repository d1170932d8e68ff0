package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/cloo-solutions/docchat/internal/storage"
	"github.com/cloo-solutions/docchat/internal/telemetry"
	"github.com/google/uuid"
)

// DocumentStore is the document state the orchestrator reads and moves.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to domain.DocumentStatus) (bool, error)
	SetStage(ctx context.Context, id string, stage domain.IngestionStage) error
	MarkFailed(ctx context.Context, id string, cause string) (bool, error)
	Reset(ctx context.Context, id string, from domain.DocumentStatus) (bool, error)
}

// BlobReader fetches the uploaded file.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Parser extracts page text from a PDF.
type Parser interface {
	Parse(ctx context.Context, content []byte) (*domain.ParsedDocument, error)
}

// Orchestrator drives one document from UPLOADED to READY or FAILED.
type Orchestrator struct {
	docs     DocumentStore
	tx       service.TxRunner
	blobs    BlobReader
	parser   Parser
	ocr      OCRClient
	embedder *Embedder
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewOrchestrator wires the pipeline. ocr may be nil, in which case sparse
// documents keep their native text.
func NewOrchestrator(
	docs DocumentStore,
	tx service.TxRunner,
	blobs BlobReader,
	parser Parser,
	ocr OCRClient,
	embeddings EmbeddingClient,
	settings Settings,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		docs:     docs,
		tx:       tx,
		blobs:    blobs,
		parser:   parser,
		ocr:      ocr,
		embedder: NewEmbedder(embeddings, settings, logger),
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Ingest runs the pipeline for documentID. Only an UPLOADED document is
// processed; any other status makes it a no-op, so a READY document is never
// chunked twice. A failure marks the document FAILED and is returned, except
// domain.ErrDimensionMismatch: that is a deployment fault, so the document
// goes back to UPLOADED and the error is returned for the caller to halt on.
func (o *Orchestrator) Ingest(ctx context.Context, documentID string) error {
	logger := o.logger.With("document_id", documentID)

	doc, err := o.docs.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc.Status != domain.DocumentStatusUploaded {
		logger.Info("ingestion skipped", "status", doc.Status)
		return nil
	}

	claimed, err := o.docs.CompareAndSwapStatus(ctx, documentID, domain.DocumentStatusUploaded, domain.DocumentStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to claim document: %w", err)
	}
	if !claimed {
		logger.Info("ingestion skipped, document claimed elsewhere")
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "ingestion.run", telemetry.SpanAttributes{
		DocumentID: documentID,
		Operation:  "ingest",
	})
	defer span.End()

	started := o.now()
	pageCount, chunkCount, err := o.run(ctx, doc, logger)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			// Left PROCESSING; stale recovery requeues it.
			logger.Warn("ingestion interrupted", "error", err)
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return o.release(ctx, doc, err, logger)
		}
		return o.fail(ctx, doc, err, logger)
	}

	logger.Info("document ready",
		"pages", pageCount,
		"chunks", chunkCount,
		"duration_ms", o.now().Sub(started).Milliseconds(),
	)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, doc *domain.Document, logger *slog.Logger) (int, int, error) {
	var content []byte
	var parsed *domain.ParsedDocument

	err := o.stage(ctx, doc.ID, domain.StageParsing, logger, func(ctx context.Context) error {
		err := o.settings.Retry.Do(ctx, func() error {
			var err error
			content, err = o.blobs.Get(ctx, doc.StorageKey)
			if err != nil && !errors.Is(err, storage.ErrBlobNotFound) {
				return domain.Transient(err)
			}
			return err
		}, o.retryLogger(logger, domain.StageParsing))
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		parsed, err = o.parser.Parse(ctx, content)
		if err != nil {
			return err
		}
		if parsed.PageCount == 0 {
			return errors.New("document has no pages")
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	sparse := sparsePages(parsed.Pages, o.settings.OCRMinChars)
	if needsOCR(len(parsed.Pages), len(sparse), o.settings.OCRPageRatio) {
		err := o.stage(ctx, doc.ID, domain.StageOCRPending, logger, func(ctx context.Context) error {
			o.recognize(ctx, content, parsed.Pages, sparse, logger)
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
	}

	var chunks []domain.Chunk
	err = o.stage(ctx, doc.ID, domain.StageChunking, logger, func(ctx context.Context) error {
		createdAt := o.now()
		for c := range Chunk(doc.ID, parsed.Pages, o.settings.Chunking) {
			c.ID = o.newID()
			c.CreatedAt = createdAt
			chunks = append(chunks, c)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	err = o.stage(ctx, doc.ID, domain.StageEmbedding, logger, func(ctx context.Context) error {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = strings.TrimSpace(c.Text)
		}
		vectors, err := o.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	err = o.tx.WithTx(ctx, func(repos service.TxRepositories) error {
		if err := repos.Chunks().ReplaceChunks(ctx, doc.ID, chunks); err != nil {
			return fmt.Errorf("failed to store chunks: %w", err)
		}
		ok, err := repos.Documents().MarkReady(ctx, doc.ID, parsed.PageCount, o.now())
		if err != nil {
			return fmt.Errorf("failed to mark document ready: %w", err)
		}
		if !ok {
			return domain.ErrStatusConflict
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return parsed.PageCount, len(chunks), nil
}

// stage records the stage, runs fn inside a span and logs the transition.
func (o *Orchestrator) stage(ctx context.Context, documentID string, stage domain.IngestionStage, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if err := o.docs.SetStage(ctx, documentID, stage); err != nil {
		return fmt.Errorf("failed to set stage %s: %w", stage, err)
	}
	logger.Info("ingestion stage started", "stage", stage)

	ctx, span := telemetry.StartSpan(ctx, "ingestion."+strings.ToLower(string(stage)), telemetry.SpanAttributes{
		DocumentID: documentID,
		Stage:      string(stage),
	})
	defer span.End()

	started := o.now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", strings.ToLower(string(stage)), err)
	}
	logger.Debug("ingestion stage finished", "stage", stage, "duration_ms", o.now().Sub(started).Milliseconds())
	return nil
}

// recognize runs OCR on the sparse pages. Any failure keeps native text.
func (o *Orchestrator) recognize(ctx context.Context, content []byte, pages []domain.ParsedPage, sparse []int, logger *slog.Logger) {
	if o.ocr == nil {
		logger.Warn("document looks scanned but OCR is not configured", "sparse_pages", len(sparse))
		return
	}

	var recognized map[int]string
	err := o.settings.Retry.Do(ctx, func() error {
		var err error
		recognized, err = o.ocr.RecognizePages(ctx, content, sparse)
		return err
	}, o.retryLogger(logger, domain.StageOCRPending))
	if err != nil {
		logger.Warn("ocr failed, keeping native text", "pages", sparse, "error", err)
		return
	}

	replaced := applyOCR(pages, recognized)
	if missing := len(sparse) - len(replaced); missing > 0 {
		empty := slices.DeleteFunc(slices.Clone(sparse), func(p int) bool { return slices.Contains(replaced, p) })
		logger.Warn("ocr returned no text for some pages", "pages", empty)
	}
	logger.Info("ocr applied", "pages", replaced)
}

func (o *Orchestrator) retryLogger(logger *slog.Logger, stage domain.IngestionStage) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		logger.Warn("transient failure, retrying", "stage", stage, "wait", wait, "error", err)
	}
}

// fail records the cause on the document. It uses a context detached from
// cancellation so the status write is not lost with the request.
func (o *Orchestrator) fail(ctx context.Context, doc *domain.Document, cause error, logger *slog.Logger) error {
	message := cause.Error()

	logger.Error("ingestion failed", "error", cause)
	telemetry.CaptureError(ctx, cause)

	ok, err := o.docs.MarkFailed(context.WithoutCancel(ctx), doc.ID, message)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	if !ok {
		logger.Warn("document left processing before it could be marked failed")
	}

	if domain.IsCode(cause, domain.ErrCodeProcessingFailed) {
		return cause
	}
	return domain.Fatal(message, cause)
}

// release returns the document to UPLOADED after a configuration error so it
// is ingested again once the deployment is fixed.
func (o *Orchestrator) release(ctx context.Context, doc *domain.Document, cause error, logger *slog.Logger) error {
	logger.Error("embedding configuration error, document left for retry", "error", cause)
	telemetry.CaptureError(ctx, cause)

	ok, err := o.docs.Reset(context.WithoutCancel(ctx), doc.ID, domain.DocumentStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to release document: %w", err)
	}
	if !ok {
		logger.Warn("document left processing before it could be released")
	}
	return cause
}
