package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches DomainErrors by code and message so wrapped sentinels compare equal.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
)

// Processing and chat error codes
const (
	ErrCodeTransient        = "TRANSIENT_ERROR"
	ErrCodeProcessingFailed = "PROCESSING_FAILED"
	ErrCodeRetrievalEmpty   = "RETRIEVAL_EMPTY"
	ErrCodeGeneration       = "GENERATION_ERROR"
	ErrCodeCancelled        = "CANCELLED"
)

// Validation errors
var (
	ErrInvalidDocumentStatus = NewDomainError(ErrCodeValidation, "invalid document status")
	ErrInvalidJobStatus      = NewDomainError(ErrCodeValidation, "invalid ingestion job status")
	ErrInvalidRole           = NewDomainError(ErrCodeValidation, "invalid message role")
	ErrMissingRequiredField  = NewDomainError(ErrCodeValidation, "missing required field")
	ErrNotPDF                = NewDomainError(ErrCodeValidation, "only PDF files are supported")
	ErrFileTooLarge          = NewDomainError(ErrCodeValidation, "file exceeds maximum upload size")
	ErrTooManyPages          = NewDomainError(ErrCodeValidation, "document exceeds maximum page count")
	ErrUnreadablePDF         = NewDomainError(ErrCodeValidation, "pdf could not be read")
	ErrEmptyMessage          = NewDomainError(ErrCodeValidation, "message cannot be empty")
)

// Not found errors
var (
	ErrDocumentNotFound     = NewDomainError(ErrCodeNotFound, "document not found")
	ErrSessionNotFound      = NewDomainError(ErrCodeNotFound, "chat session not found")
	ErrIngestionJobNotFound = NewDomainError(ErrCodeNotFound, "ingestion job not found")
)

// Conflict errors
var (
	ErrDocumentExists = NewDomainError(ErrCodeAlreadyExists, "document with this content already exists")
)

// Operation errors
var (
	ErrDocumentNotReady     = NewDomainError(ErrCodeInvalidOperation, "document is not ready for chat")
	ErrIngestionInProgress  = NewDomainError(ErrCodeInvalidOperation, "document ingestion already in progress")
	ErrStatusConflict       = NewDomainError(ErrCodeInvalidOperation, "document status changed concurrently")
	ErrInvalidTransition    = NewDomainError(ErrCodeInvalidOperation, "invalid document status transition")
	ErrReingestReady        = NewDomainError(ErrCodeInvalidOperation, "document is ready; pass force to re-ingest")
	ErrStorageOperationFail = NewDomainError(ErrCodeInternalError, "storage operation failed")
)

// Authorization errors
var (
	ErrInvalidAPIKey = NewDomainError(ErrCodeUnauthorized, "invalid api key")
)

// ErrDimensionMismatch is a configuration error: the embedding model does not
// produce vectors of the configured dimension. It is never retried.
var ErrDimensionMismatch = NewDomainError(ErrCodeProcessingFailed, "embedding dimension mismatch")

// ErrRetrievalEmpty signals that a document has no chunks to ground an answer on.
var ErrRetrievalEmpty = NewDomainError(ErrCodeRetrievalEmpty, "no context available for document")

// Validation wraps a message as a ValidationError.
func Validation(message string) *DomainError {
	return NewDomainError(ErrCodeValidation, message)
}

// Transient marks err as retryable inside a processing stage.
func Transient(err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeTransient, "transient processing error", err)
}

// Fatal marks a stage failure that exhausted its retries or cannot be retried.
func Fatal(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeProcessingFailed, message, err)
}

// Generation wraps an upstream generation failure.
func Generation(err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeGeneration, "answer generation failed", err)
}

// CodeOf returns the code of the outermost DomainError in err's chain, or "".
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether any DomainError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var de *DomainError
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return IsCode(err, ErrCodeTransient)
}
