package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ValidateTraceID rejects requests whose URL parameter param is not a UUID, so
// stream subscriptions cannot be keyed by arbitrary strings.
func ValidateTraceID(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := uuid.Parse(chi.URLParam(r, param)); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+param)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
