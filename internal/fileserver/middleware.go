package fileserver

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/0xPuncker/withings-sync-server/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RequestRecorder receives the final status of every request.
type RequestRecorder interface {
	ObserveRequest(method string, status int)
}

func loggingMiddleware(logger *logrus.Logger, recorder RequestRecorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			if recorder != nil {
				recorder.ObserveRequest(r.Method, rw.status)
			}

			fields := logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rw.status,
				"bytes":      rw.written,
				"duration":   utils.FormatDuration(time.Since(start)),
				"user_agent": r.UserAgent(),
				"remote_ip":  r.RemoteAddr,
			}

			switch {
			case rw.status >= http.StatusInternalServerError:
				logger.WithFields(fields).Error("Request processed")
			case rw.status >= http.StatusBadRequest:
				logger.WithFields(fields).Warn("Request processed")
			default:
				logger.WithFields(fields).Info("Request processed")
			}
		})
	}
}

func recoveryMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						"path":  r.URL.Path,
						"panic": fmt.Sprint(rec),
						"stack": string(debug.Stack()),
					}).Error("Panic while serving request")
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
