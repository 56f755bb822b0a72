package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jarmo-productory/ritemark-sync/metrics"
	"github.com/jarmo-productory/ritemark-sync/tracing"
)

// statusCodeServerError is the first status counted as a span error.
const statusCodeServerError = 500

// route returns the mux pattern that matched, falling back to the path.
func route(request *http.Request) string {
	if request.Pattern != "" {
		return request.Pattern
	}

	return request.URL.Path
}

// MetricsMiddleware instruments status server requests with metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request)

		attrs := []string{
			"method", request.Method,
			"endpoint", route(request),
			"status_code", strconv.Itoa(wrapped.statusCode),
		}

		metrics.RecordCounter(request.Context(), "http_requests_total", 1, attrs...)
		metrics.RecordDuration(request.Context(), "http_request_duration_ms", start, attrs...)
	})
}

// TracingMiddleware wraps each request in a span.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx, span := tracing.StartSpan(request.Context(), request.Method+" "+request.URL.Path,
			"http.method", request.Method,
			"http.target", request.URL.Path,
			"http.remote_addr", request.RemoteAddr,
		)
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request.WithContext(ctx))

		tracing.SetAttributes(ctx, "http.status_code", strconv.Itoa(wrapped.statusCode))

		if wrapped.statusCode >= statusCodeServerError {
			tracing.SetError(ctx, fmt.Errorf("%d %s", wrapped.statusCode, http.StatusText(wrapped.statusCode))) //nolint:err113 // span status only
		} else {
			tracing.SetOK(ctx)
		}
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
