package server

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// statusRecorder captures the response status code for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging returns middleware that logs every request with the method,
// path, status, and duration.
//
// Log level is Info for successful requests and Warn for requests that
// return a 4xx or 5xx status.
func Logging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		attrs := []slog.Attr{
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		}

		level := slog.LevelInfo
		msg := "request completed"
		if rec.status >= http.StatusBadRequest {
			level = slog.LevelWarn
			msg = "request completed with error"
		}
		logger.LogAttrs(req.Context(), level, msg, attrs...)
	})
}

// Recovery returns middleware that recovers from panics in handlers.
// On panic, it logs the panic value and stack trace at Error level and
// returns a 500 to the client.
func Recovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				// Capture a stack trace for debugging.
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				logger.ErrorContext(req.Context(), "panic recovered in handler",
					slog.String("path", req.URL.Path),
					slog.Any("panic", r),
					slog.String("stack", string(buf[:n])),
				)

				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, req)
	})
}
