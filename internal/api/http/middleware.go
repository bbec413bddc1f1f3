// Package http provides the administrative HTTP API of Tidemark.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tidemark/tidemark/internal/auth"
	ierrors "github.com/tidemark/tidemark/internal/errors"
)

// Context keys for request metadata.
type contextKey string

const (
	// requestIDKey is the context key for the request ID.
	requestIDKey contextKey = "request_id"
	// correlationIDKey is the context key for the correlation ID.
	correlationIDKey contextKey = "correlation_id"
)

// Headers read by the session middleware.
const (
	HeaderSessionID          = "X-Tidemark-Session-Id"
	HeaderNoSessionExtension = "X-Tidemark-No-Session-Extension"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Kind      string                 `json:"kind,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDMiddleware adds a correlation ID for distributed tracing.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fall back to request_id if no correlation id was sent
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			if reqID, ok := r.Context().Value(requestIDKey).(string); ok {
				correlationID = reqID
			} else {
				correlationID = uuid.New().String()
			}
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(requestIDKey).(string)
					logger.Error("panic in handler",
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", requestID,
						"panic", err)
					writeError(w, http.StatusInternalServerError, "internal server error", requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware ensures JSON content type for API requests.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// sessionID reads the session id from the session header or from basic auth
// credentials of the form <session id>:session.
func sessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	if user, pass, ok := r.BasicAuth(); ok && pass == "session" {
		return user
	}
	return ""
}

// SessionAuthMiddleware authenticates every request by session and attaches
// the principal to the request context.
func SessionAuthMiddleware(a *auth.SessionAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())
			id := sessionID(r)
			if id == "" {
				writeError(w, http.StatusUnauthorized, "missing session", requestID)
				return
			}

			opts := auth.Options{
				NoSessionExtension: strings.EqualFold(r.Header.Get(HeaderNoSessionExtension), "true"),
			}
			p, err := a.Authenticate(r.Context(), id, opts)
			switch {
			case errors.Is(err, auth.ErrAccountLocked):
				writeError(w, http.StatusForbidden, err.Error(), requestID)
				return
			case errors.Is(err, auth.ErrInvalidSession):
				writeError(w, http.StatusUnauthorized, err.Error(), requestID)
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, "authentication failed", requestID)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// ChainMiddleware chains multiple middleware functions together.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the default middleware chain for API handlers.
func DefaultMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		ContentTypeMiddleware,
	)
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch ierrors.GetKind(err) {
	case ierrors.KindNotFound:
		return http.StatusNotFound
	case ierrors.KindEngineUnavailable:
		return http.StatusServiceUnavailable
	case ierrors.KindUnsupportedOperation:
		return http.StatusNotImplemented
	case ierrors.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, message string, requestID ...string) {
	resp := ErrorResponse{
		Error: message,
	}
	if len(requestID) > 0 && requestID[0] != "" {
		resp.RequestID = requestID[0]
	}
	writeJSON(w, statusCode, resp)
}

// writeKindError writes err with the status of its kind.
func writeKindError(w http.ResponseWriter, err error, requestID string) {
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: requestID,
	}
	var e *ierrors.Error
	if errors.As(err, &e) {
		resp.Kind = string(e.Kind)
		resp.Code = e.Code
		resp.Details = e.Details
	}
	writeJSON(w, StatusFor(err), resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID retrieves the correlation ID from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
