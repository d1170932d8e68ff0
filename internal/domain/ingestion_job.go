package domain

import (
	"fmt"
	"time"
)

// IngestionJobStatus represents the status of an ingestion job
type IngestionJobStatus string

const (
	IngestionJobStatusPending    IngestionJobStatus = "pending"
	IngestionJobStatusProcessing IngestionJobStatus = "processing"
	IngestionJobStatusCompleted  IngestionJobStatus = "completed"
	IngestionJobStatusFailed     IngestionJobStatus = "failed"
)

// IngestionJob is a queued request to run a document through the pipeline.
type IngestionJob struct {
	ID          string
	DocumentID  string
	Status      IngestionJobStatus
	Attempts    int32
	Error       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

// StaleJobs is the outcome of recovering abandoned jobs, by document id.
// Requeued documents are back to UPLOADED. Exhausted documents ran out of
// attempts and are FAILED.
type StaleJobs struct {
	Requeued  []string
	Exhausted []string
}

// Empty reports whether nothing was recovered.
func (s *StaleJobs) Empty() bool {
	return s == nil || len(s.Requeued)+len(s.Exhausted) == 0
}

// NewIngestionJob creates a pending IngestionJob
func NewIngestionJob(id, documentID string, createdAt time.Time) *IngestionJob {
	return &IngestionJob{
		ID:         id,
		DocumentID: documentID,
		Status:     IngestionJobStatusPending,
		CreatedAt:  createdAt,
	}
}

// ValidateIngestionJob returns a validation DomainError naming the first
// bad field.
func ValidateIngestionJob(j *IngestionJob) error {
	switch {
	case j == nil:
		return Validation("ingestion job cannot be nil")
	case j.ID == "":
		return fmt.Errorf("%w: ingestion job ID", ErrMissingRequiredField)
	case j.DocumentID == "":
		return fmt.Errorf("%w: ingestion job DocumentID", ErrMissingRequiredField)
	case !isValidIngestionJobStatus(j.Status):
		return fmt.Errorf("%w: Status %q", ErrInvalidJobStatus, j.Status)
	case j.Attempts < 0:
		return Validation("ingestion job Attempts cannot be negative")
	}
	return nil
}

func isValidIngestionJobStatus(s IngestionJobStatus) bool {
	switch s {
	case IngestionJobStatusPending, IngestionJobStatusProcessing,
		IngestionJobStatusCompleted, IngestionJobStatusFailed:
		return true
	}
	return false
}
