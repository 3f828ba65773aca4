package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/observability"
)

// RequestIDHeader carries the correlation id on requests and responses.
// Upload responses echo it, so a client can quote the id when a video
// later fails to index.
const RequestIDHeader = "X-Request-ID"

// Client-supplied ids longer than this are replaced rather than trusted,
// keeping log lines bounded.
const maxRequestIDLength = 64

// RequestID assigns every request a correlation id. A well-formed id sent
// by the client is kept; anything else gets a fresh UUIDv7, whose time
// prefix keeps ids sortable in log searches. The id is stored in the
// request context for the log handler and echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.Must(uuid.NewV7()).String()
		}

		ctx := context.WithValue(r.Context(), observability.RequestIDKey, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
