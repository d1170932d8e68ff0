package middleware

import (
	"fmt"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api"
	"github.com/cloo-solutions/docchat/internal/telemetry"
	"github.com/getsentry/sentry-go"
)

// SentryMiddleware opens a transaction per request, named after the chi
// route so /documents/{id} is one transaction rather than one per id.
// Panics are reported and answered with a 500; other 5xx responses are
// captured as messages, except 503 which callers are expected to retry.
func SentryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
		}

		options := []sentry.SpanOption{
			sentry.WithOpName("http.server"),
			sentry.WithTransactionSource(sentry.SourceRoute),
		}
		if sentryTrace := r.Header.Get("sentry-trace"); sentryTrace != "" {
			options = append(options, sentry.ContinueFromHeaders(sentryTrace, r.Header.Get("baggage")))
		}

		transaction := sentry.StartTransaction(r.Context(), r.Method+" "+r.URL.Path, options...)
		defer transaction.Finish()

		r = r.WithContext(sentry.SetHubOnContext(transaction.Context(), hub))
		hub.Scope().SetRequest(r)
		if requestID := GetRequestID(r.Context()); requestID != "" {
			hub.Scope().SetTag("request_id", requestID)
			transaction.SetTag("request_id", requestID)
		}

		rec := recorderFor(w)
		defer func() {
			transaction.Name = r.Method + " " + routePattern(r)

			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				transaction.Status = sentry.SpanStatusInternalError
				hub.RecoverWithContext(r.Context(), err)
				if rec.status == 0 {
					api.Error(rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
				}
				return
			}

			status := rec.Status()
			transaction.Status = telemetry.SpanStatusForHTTP(status)
			transaction.SetData("http.response.status_code", status)
			if status >= 500 && status != http.StatusServiceUnavailable {
				hub.CaptureMessage(fmt.Sprintf("HTTP %d on %s", status, transaction.Name))
			}
		}()

		next.ServeHTTP(rec, r)
	})
}
