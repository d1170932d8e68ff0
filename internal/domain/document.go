package domain

import (
	"fmt"
	"time"
)

// DocumentStatus is the persisted lifecycle state of a document.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "UPLOADED"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusReady      DocumentStatus = "READY"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

// IngestionStage is the fine-grained pipeline stage of a PROCESSING document.
type IngestionStage string

const (
	StageNone       IngestionStage = ""
	StageParsing    IngestionStage = "PARSING"
	StageOCRPending IngestionStage = "OCR_PENDING"
	StageChunking   IngestionStage = "CHUNKING"
	StageEmbedding  IngestionStage = "EMBEDDING"
)

// Document is an uploaded PDF and its ingestion state.
type Document struct {
	ID          string
	Filename    string
	FileSize    int64
	ContentHash string
	StorageKey  string
	Status      DocumentStatus
	Stage       IngestionStage
	PageCount   int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// NewDocument creates a Document in UPLOADED status.
func NewDocument(id, filename string, size int64, contentHash, storageKey string, pageCount int, createdAt time.Time) *Document {
	return &Document{
		ID:          id,
		Filename:    filename,
		FileSize:    size,
		ContentHash: contentHash,
		StorageKey:  storageKey,
		Status:      DocumentStatusUploaded,
		PageCount:   pageCount,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// IsTerminal reports whether polling can stop.
func (d *Document) IsTerminal() bool {
	return d.Status == DocumentStatusReady || d.Status == DocumentStatusFailed
}

// ValidateDocument validates a Document instance
func ValidateDocument(d *Document) error {
	if d == nil {
		return fmt.Errorf("document cannot be nil")
	}
	if d.ID == "" {
		return fmt.Errorf("document ID is required")
	}
	if d.Filename == "" {
		return fmt.Errorf("document Filename is required")
	}
	if d.ContentHash == "" {
		return fmt.Errorf("document ContentHash is required")
	}
	if !isValidDocumentStatus(d.Status) {
		return fmt.Errorf("document Status is invalid: %s", d.Status)
	}
	if d.PageCount < 0 {
		return fmt.Errorf("document PageCount cannot be negative")
	}
	return nil
}

// CanTransition reports whether from→to is a legal status change.
// FAILED→UPLOADED and READY→UPLOADED are explicit resets for a fresh ingestion attempt.
func CanTransition(from, to DocumentStatus) bool {
	switch from {
	case DocumentStatusUploaded:
		return to == DocumentStatusProcessing || to == DocumentStatusFailed
	case DocumentStatusProcessing:
		return to == DocumentStatusReady || to == DocumentStatusFailed || to == DocumentStatusUploaded
	case DocumentStatusReady, DocumentStatusFailed:
		return to == DocumentStatusUploaded
	}
	return false
}

func isValidDocumentStatus(s DocumentStatus) bool {
	switch s {
	case DocumentStatusUploaded, DocumentStatusProcessing, DocumentStatusReady, DocumentStatusFailed:
		return true
	}
	return false
}
