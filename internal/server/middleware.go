package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sniperbc/subscriptions/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return requireKey("X-Admin-Key", adminKey, next)
}

// ServiceKeyMiddleware returns middleware that requires the shared service key
// presented by the payment service and the API gateway.
func ServiceKeyMiddleware(serviceKey string, next http.Handler) http.Handler {
	return requireKey("X-Service-Key", serviceKey, next)
}

func requireKey(header, want string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(header))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || want == "" || subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID attaches a request ID (taken from X-Request-ID or generated) and a
// request-scoped logger to the context, and echoes the ID on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
		ctx = logging.WithLogger(ctx, logging.New("http").With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger())
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
