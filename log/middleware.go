package log

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationIDHeader is the HTTP header carrying the correlation ID.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationIDMiddleware tags each status-server request with a correlation ID.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		correlationID := request.Header.Get(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		writer.Header().Set(CorrelationIDHeader, correlationID)
		ctx := WithValues(request.Context(), "correlation_id", correlationID)

		next.ServeHTTP(writer, request.WithContext(ctx))
	})
}

// LoggingMiddleware logs status-server requests; health probes log at debug.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()

		level := LevelInfo
		if strings.HasPrefix(request.URL.Path, "/health/") || request.URL.Path == "/metrics" {
			level = LevelDebug
		}

		wrapped := &statusRecorder{ResponseWriter: writer, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, request)

		Log(ctx, level, "HTTP request completed",
			"method", request.Method,
			"path", request.URL.Path,
			"status_code", wrapped.statusCode,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter

	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
