package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zipserve/zipserve/internal/logging"
)

// requestLogger tags every request with a request id, stores the tagged
// logger in the request context for handlers to pick up, and emits one
// access log line when the handler returns.
func requestLogger(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logger.With(
			zap.String("request_id", uuid.NewString()),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
		)

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		defer func() {
			reqLogger.Info("request served",
				zap.Int("status", sw.Status()),
				zap.Int64("bytes", sw.bytes),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		ctx := logging.WithLogger(r.Context(), reqLogger)
		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

// statusWriter records the status code and body size that pass through it.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the flusher underneath.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
