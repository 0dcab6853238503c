package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// requestLogger logs one line per request through logrus. It must run after
// middleware.RequestID so the id is available.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				entry := logger.WithFields(logrus.Fields{
					"module":      moduleName,
					"request_id":  middleware.GetReqID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      status,
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"remote_addr": r.RemoteAddr,
				})
				switch {
				case status >= http.StatusInternalServerError:
					entry.Error("request failed")
				case status >= http.StatusBadRequest:
					entry.Warn("request rejected")
				default:
					entry.Info("request served")
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
