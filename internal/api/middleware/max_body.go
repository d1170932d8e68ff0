package middleware

import (
	"mime"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api"
)

// MaxBodyBytes caps request bodies: multipart uploads at uploadLimit and
// everything else, the JSON endpoints, at limit. A limit <= 0 disables
// that cap.
func MaxBodyBytes(limit, uploadLimit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := limit
			if isMultipart(r) {
				max = uploadLimit
			}
			if max <= 0 || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > max {
				api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}
