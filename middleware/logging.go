package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger logs every request once it has been served. Server errors are logged at
// error level, everything else at info.
func RequestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"size", ww.BytesWritten(),
			}
			if id := chimiddleware.GetReqID(r.Context()); id != "" {
				fields = append(fields, "request_id", id)
			}
			if status >= http.StatusInternalServerError {
				logger.Errorw("http request", fields...)
				return
			}
			logger.Infow("http request", fields...)
		})
	}
}
