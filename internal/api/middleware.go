package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// statusFor maps an error type to its HTTP status
func statusFor(errType kvErr.ErrorType) int {
	switch errType {
	case kvErr.ErrorTypeNotFound:
		return http.StatusNotFound
	case kvErr.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case kvErr.ErrorTypeInvalidInput:
		return http.StatusBadRequest
	case kvErr.ErrorTypeForwarding:
		return http.StatusServiceUnavailable
	case kvErr.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes an error response to the client
func handleError(w http.ResponseWriter, err error) {
	errType := kvErr.TypeOf(err)

	response := ErrorResponse{}
	response.Error.Type = string(errType)
	response.Error.Message = err.Error()
	response.Error.Retryable = kvErr.IsRetryable(err)

	writeJSON(w, response, statusFor(errType))
}

// RecoveryMiddleware turns a panic into a JSON INTERNAL error
func RecoveryMiddleware(logger *shared.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					err := kvErr.RecoverError(rec)
					logger.Error("panic serving %s %s: %v", r.Method, r.URL.Path, err)
					handleError(w, err)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs request details
func LoggingMiddleware(logger *shared.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			logger.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rw.statusCode,
				"duration": time.Since(start).String(),
			}).Debug("request served")
		})
	}
}

// RequestObserver records request metrics
type RequestObserver interface {
	ObserveRequest(method, route, status string, d time.Duration)
}

// MetricsMiddleware measures request durations per route template
func MetricsMiddleware(observer RequestObserver) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			observer.ObserveRequest(r.Method, route, strconv.Itoa(rw.statusCode), time.Since(start))
		})
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
