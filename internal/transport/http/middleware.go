package http

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger logs one line per request. It must run inside
// middleware.RequestID for the id to be present.
func RequestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			user := callerID(r)
			if user == "" {
				user = "-"
			}
			logger.Printf(
				"request id=%s method=%s path=%s user=%s status=%d bytes=%d duration=%s",
				middleware.GetReqID(r.Context()),
				r.Method,
				r.URL.Path,
				user,
				status,
				ww.BytesWritten(),
				time.Since(start),
			)
		})
	}
}
