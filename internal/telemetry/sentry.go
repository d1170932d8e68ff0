// Package telemetry wires Sentry error reporting and tracing into the
// daemon. Every helper is a no-op until Init is called with a DSN.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/getsentry/sentry-go"
)

const serviceName = "docchat"

var scrubbedHeaders = []string{"Authorization", "X-Api-Key", "Cookie"}

type Config struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
	Debug            bool
	Logger           *slog.Logger
}

// Init configures the global Sentry client and returns a flush function.
// An empty DSN leaves Sentry disabled.
func Init(cfg Config) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.TracesSampleRate == 0 {
		cfg.TracesSampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serviceName,
		TracesSampler: sentry.TracesSampler(func(ctx sentry.SamplingContext) float64 {
			if ctx.Span.Name == "GET /health" {
				return 0.0
			}
			var emptySpanID sentry.SpanID
			if ctx.Span.ParentSpanID != emptySpanID {
				if ctx.Span.Sampled.Bool() {
					return 1.0
				}
				return 0.0
			}
			return cfg.TracesSampleRate
		}),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			scrubRequest(event)
			return event
		},
	})
	if err != nil {
		return func() {}, err
	}

	logger.Info("sentry initialized",
		"environment", cfg.Environment,
		"sample_rate", cfg.TracesSampleRate,
	)
	return func() { sentry.Flush(5 * time.Second) }, nil
}

// scrubRequest drops credentials the server accepts from captured requests.
func scrubRequest(event *sentry.Event) {
	if event == nil || event.Request == nil {
		return
	}
	for _, h := range scrubbedHeaders {
		for k := range event.Request.Headers {
			if http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(h) {
				event.Request.Headers[k] = "[Filtered]"
			}
		}
	}
	event.Request.Cookies = ""
}

// Reportable says whether err is worth an alert. Client mistakes, missing
// rows, cancellations and the empty-retrieval fallback are expected traffic.
func Reportable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var de *domain.DomainError
	if !errors.As(err, &de) {
		return true
	}
	switch de.Code {
	case domain.ErrCodeValidation,
		domain.ErrCodeNotFound,
		domain.ErrCodeAlreadyExists,
		domain.ErrCodeUnauthorized,
		domain.ErrCodeInvalidOperation,
		domain.ErrCodeCancelled,
		domain.ErrCodeRetrievalEmpty:
		return false
	}
	return true
}

// SpanStatusFor maps an error onto a span status.
func SpanStatusFor(err error) sentry.SpanStatus {
	if err == nil {
		return sentry.SpanStatusOK
	}
	if errors.Is(err, context.Canceled) {
		return sentry.SpanStatusCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sentry.SpanStatusDeadlineExceeded
	}
	var de *domain.DomainError
	if errors.As(err, &de) {
		switch de.Code {
		case domain.ErrCodeValidation:
			return sentry.SpanStatusInvalidArgument
		case domain.ErrCodeNotFound:
			return sentry.SpanStatusNotFound
		case domain.ErrCodeAlreadyExists:
			return sentry.SpanStatusAlreadyExists
		case domain.ErrCodeInvalidOperation:
			return sentry.SpanStatusFailedPrecondition
		case domain.ErrCodeUnauthorized:
			return sentry.SpanStatusUnauthenticated
		case domain.ErrCodeCancelled:
			return sentry.SpanStatusCanceled
		case domain.ErrCodeTransient, domain.ErrCodeGeneration:
			return sentry.SpanStatusUnavailable
		}
	}
	return sentry.SpanStatusInternalError
}

// SpanStatusForHTTP maps a response status onto a span status.
func SpanStatusForHTTP(status int) sentry.SpanStatus {
	switch {
	case status < 400:
		return sentry.SpanStatusOK
	case status == http.StatusUnauthorized:
		return sentry.SpanStatusUnauthenticated
	case status == http.StatusNotFound:
		return sentry.SpanStatusNotFound
	case status == http.StatusConflict:
		return sentry.SpanStatusFailedPrecondition
	case status == http.StatusRequestEntityTooLarge:
		return sentry.SpanStatusOutOfRange
	case status == 499:
		return sentry.SpanStatusCanceled
	case status < 500:
		return sentry.SpanStatusInvalidArgument
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return sentry.SpanStatusUnavailable
	case status == http.StatusGatewayTimeout:
		return sentry.SpanStatusDeadlineExceeded
	default:
		return sentry.SpanStatusInternalError
	}
}

// SpanAttributes are the tags docchat puts on spans.
type SpanAttributes struct {
	DocumentID string
	SessionID  string
	Stage      string
	Operation  string
}

// Span wraps a sentry span. The zero value is safe to use.
type Span struct {
	inner *sentry.Span
}

func (s *Span) End() {
	if s.inner != nil {
		s.inner.Finish()
	}
}

// RecordError sets the span status from err. It does not capture an event;
// use CaptureError for that.
func (s *Span) RecordError(err error) {
	if s.inner != nil && err != nil {
		s.inner.Status = SpanStatusFor(err)
		s.inner.SetData("error", err.Error())
	}
}

// StartSpan opens a child of the span in ctx, or a new transaction when
// there is none (worker-driven ingestion runs outside any request).
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var span *sentry.Span
	if parent := sentry.SpanFromContext(ctx); parent != nil {
		span = parent.StartChild(name)
	} else {
		span = sentry.StartSpan(ctx, name, sentry.WithTransactionName(name))
	}

	if attrs.DocumentID != "" {
		span.SetTag("document_id", attrs.DocumentID)
	}
	if attrs.SessionID != "" {
		span.SetTag("session_id", attrs.SessionID)
	}
	if attrs.Stage != "" {
		span.SetTag("stage", attrs.Stage)
	}
	if attrs.Operation != "" {
		span.SetData("operation", attrs.Operation)
	}

	return span.Context(), &Span{inner: span}
}

// CaptureError reports err when it is Reportable.
func CaptureError(ctx context.Context, err error) {
	if !Reportable(err) {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}
