// Package httpapi holds the JSON request/response plumbing shared by
// the coordinator and frontend servers.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

// RequestLogger tags every request with a correlation id and logs it
// at debug level.
func RequestLogger(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := logging.GenerateCorrelationID()
			ctx := logging.WithCorrelationID(r.Context(), id)
			log.Debug("handling request",
				"method", r.Method, "path", r.URL.Path, "correlation_id", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// maxBodyBytes bounds request bodies. Source uploads are the largest
// legitimate payloads.
const maxBodyBytes = 512 << 20

// Decode reads a JSON request body into dst. On failure it writes a
// non-retryable error response and returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("read request body: %v", err), false)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("parse request body: %v", err), false)
		return false
	}
	return true
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a protocol.APIError body. Retriable marks errors
// the client may retry with backoff; protocol violations are not.
func WriteError(w http.ResponseWriter, status int, msg string, retriable bool) {
	WriteJSON(w, status, &protocol.APIError{
		Status:    status,
		Msg:       msg,
		Retriable: retriable,
	})
}
