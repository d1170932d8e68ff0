package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/domain"
)

// StatusClientClosedRequest is reported when the client went away mid-request.
const StatusClientClosedRequest = 499

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

// SuccessResponse is the {data} envelope.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorResponse is the {error} envelope. Code is the domain error code when
// one is known.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var statusByCode = map[string]int{
	domain.ErrCodeValidation:       http.StatusBadRequest,
	domain.ErrCodeNotFound:         http.StatusNotFound,
	domain.ErrCodeAlreadyExists:    http.StatusConflict,
	domain.ErrCodeInvalidOperation: http.StatusConflict,
	domain.ErrCodeUnauthorized:     http.StatusUnauthorized,
	domain.ErrCodeGeneration:       http.StatusBadGateway,
	domain.ErrCodeTransient:        http.StatusServiceUnavailable,
	domain.ErrCodeCancelled:        StatusClientClosedRequest,
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func Success(w http.ResponseWriter, status int, data any) {
	JSON(w, status, SuccessResponse{Data: data})
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainErrorToHTTP maps an error to its response status. Anything that is
// not a DomainError, or carries an unmapped code, is a 500.
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}
	if status, ok := statusByCode[domainErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HandleError writes the error envelope for err. The causes of 500s are
// never exposed.
func HandleError(w http.ResponseWriter, err error) {
	status := DomainErrorToHTTP(err)
	body := ErrorResponse{Error: err.Error()}

	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		body.Error = domainErr.Message
		body.Code = domainErr.Code
	}
	if status == http.StatusInternalServerError {
		body = ErrorResponse{Error: http.StatusText(status)}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	JSON(w, status, body)
}
