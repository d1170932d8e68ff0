package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/telemetry"
	"github.com/google/uuid"
)

// DocumentRepositoryInterface defines the repository interface for documents.
// The status methods are compare-and-swap updates: they report false when
// the document was not in the expected status.
type DocumentRepositoryInterface interface {
	Create(ctx context.Context, d *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	GetByContentHash(ctx context.Context, hash string) (*domain.Document, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to domain.DocumentStatus) (bool, error)
	SetStage(ctx context.Context, id string, stage domain.IngestionStage) error
	MarkReady(ctx context.Context, id string, pageCount int, processedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, cause string) (bool, error)
	Reset(ctx context.Context, id string, from domain.DocumentStatus) (bool, error)
}

// IngestionJobRepositoryInterface enqueues ingestion jobs. The worker owns
// the rest of the queue.
type IngestionJobRepositoryInterface interface {
	Create(ctx context.Context, job *domain.IngestionJob) error
}

// BlobStore keeps uploaded files.
type BlobStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PageCounter reads the page count of a PDF without extracting text.
type PageCounter interface {
	PageCount(content []byte) (int, error)
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}

var pdfMagic = []byte("%PDF-")

// UploadLimits bounds accepted uploads.
type UploadLimits struct {
	MaxBytes int64
	MaxPages int
}

type UploadInput struct {
	Filename string
	Content  []byte
}

// UploadResult is the stored document. Duplicate is set when a document with
// the same content already existed and was returned instead.
type UploadResult struct {
	Document  *domain.Document
	Duplicate bool
}

// DocumentService validates uploads and manages document lifecycle requests.
type DocumentService struct {
	repo    DocumentRepositoryInterface
	tx      TxRunner
	blobs   BlobStore
	pages   PageCounter
	limits  UploadLimits
	uuidGen UUIDGenerator
	now     func() time.Time
	onQueue func()
}

func NewDocumentService(repo DocumentRepositoryInterface, tx TxRunner, blobs BlobStore, pages PageCounter, limits UploadLimits) *DocumentService {
	return &DocumentService{
		repo:    repo,
		tx:      tx,
		blobs:   blobs,
		pages:   pages,
		limits:  limits,
		uuidGen: &DefaultUUIDGenerator{},
		now:     func() time.Time { return time.Now().UTC() },
		onQueue: func() {},
	}
}

// OnEnqueue registers fn to run after an ingestion job is queued.
func (s *DocumentService) OnEnqueue(fn func()) {
	if fn != nil {
		s.onQueue = fn
	}
}

// Upload validates the file, stores it and queues its ingestion. Identical
// content is detected by SHA-256 and returns the existing document.
func (s *DocumentService) Upload(ctx context.Context, input UploadInput) (*UploadResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "DocumentService.Upload", telemetry.SpanAttributes{
		Operation: "upload",
	})
	defer span.End()

	pageCount, err := s.validate(input)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(input.Content)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.repo.GetByContentHash(ctx, hash)
	if err == nil {
		return &UploadResult{Document: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, domain.ErrDocumentNotFound) {
		return nil, err
	}

	now := s.now()
	id := s.uuidGen.NewString()
	doc := domain.NewDocument(id, path.Base(input.Filename), int64(len(input.Content)), hash, storageKey(id), pageCount, now)
	if err := domain.ValidateDocument(doc); err != nil {
		return nil, domain.Validation(err.Error())
	}

	if err := s.blobs.Put(ctx, doc.StorageKey, input.Content, "application/pdf"); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrStorageOperationFail.Code, domain.ErrStorageOperationFail.Message, err)
	}

	job := domain.NewIngestionJob(s.uuidGen.NewString(), id, now)
	err = s.tx.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Documents().Create(ctx, doc); err != nil {
			return err
		}
		return repos.IngestionJobs().Create(ctx, job)
	})
	if err != nil {
		_ = s.blobs.Delete(context.WithoutCancel(ctx), doc.StorageKey)

		// Lost a race with an identical upload.
		if errors.Is(err, domain.ErrDocumentExists) {
			existing, getErr := s.repo.GetByContentHash(ctx, hash)
			if getErr == nil {
				return &UploadResult{Document: existing, Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	s.onQueue()

	return &UploadResult{Document: doc}, nil
}

func (s *DocumentService) validate(input UploadInput) (int, error) {
	if !strings.EqualFold(path.Ext(input.Filename), ".pdf") || !bytes.HasPrefix(input.Content, pdfMagic) {
		return 0, domain.ErrNotPDF
	}
	if s.limits.MaxBytes > 0 && int64(len(input.Content)) > s.limits.MaxBytes {
		return 0, domain.ErrFileTooLarge
	}

	pageCount, err := s.pages.PageCount(input.Content)
	if err != nil {
		return 0, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, domain.ErrUnreadablePDF.Message, err)
	}
	if s.limits.MaxPages > 0 && pageCount > s.limits.MaxPages {
		return 0, domain.ErrTooManyPages
	}
	return pageCount, nil
}

func storageKey(documentID string) string {
	return "documents/" + documentID + ".pdf"
}

// Get returns a document with its status, stage and error.
func (s *DocumentService) Get(ctx context.Context, id string) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "DocumentService.Get", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "get",
	})
	defer span.End()

	return s.repo.GetByID(ctx, id)
}

// Reingest resets a FAILED document, or a READY one when force is set, to
// UPLOADED, drops its chunks and queues a fresh ingestion. An UPLOADED
// document is already queued and is returned unchanged.
func (s *DocumentService) Reingest(ctx context.Context, id string, force bool) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "DocumentService.Reingest", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "reingest",
	})
	defer span.End()

	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch doc.Status {
	case domain.DocumentStatusUploaded:
		return doc, nil
	case domain.DocumentStatusProcessing:
		return nil, domain.ErrIngestionInProgress
	case domain.DocumentStatusReady:
		if !force {
			return nil, domain.ErrReingestReady
		}
	}

	from := doc.Status
	job := domain.NewIngestionJob(s.uuidGen.NewString(), id, s.now())
	err = s.tx.WithTx(ctx, func(repos TxRepositories) error {
		ok, err := repos.Documents().Reset(ctx, id, from)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStatusConflict
		}
		if err := repos.Chunks().DeleteByDocument(ctx, id); err != nil {
			return err
		}
		return repos.IngestionJobs().Create(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	s.onQueue()

	return s.repo.GetByID(ctx, id)
}
