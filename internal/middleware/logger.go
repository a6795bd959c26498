package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ararat-backend/internal/logging"
)

type responseData struct {
	status int
	size   int
}

type loggingResponseWriter struct {
	http.ResponseWriter
	data *responseData
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.data.status == 0 {
		w.data.status = http.StatusOK
	}
	size, err := w.ResponseWriter.Write(b)
	w.data.size += size
	return size, err
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	if w.data.status == 0 {
		w.data.status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Logger пишет в журнал метод, путь, статус, размер и длительность каждого запроса.
// Параметры запроса не логируются.
func Logger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			data := &responseData{}

			next.ServeHTTP(&loggingResponseWriter{ResponseWriter: w, data: data}, r)

			if data.status == 0 {
				data.status = http.StatusOK
			}

			logging.Info(r.Context(), logger, "request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", data.status),
				zap.Int("size", data.size),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
