// Package middleware provides reusable HTTP middleware for the API server.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/vhost"
)

// wrappedWriter captures the status code written by downstream handlers.
type wrappedWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *wrappedWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *wrappedWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *wrappedWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logger logs method, path, status code, duration and host for every request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrappedWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.statusCode,
			"duration": time.Since(start).String(),
			"host":     vhost.HostOf(r),
		}).Info("request")
	})
}

// Exception turns a panicking handler into a 500 carrying the panic message
// in X-Exception, and logs it with the referer for diagnosis.
func Exception(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.WithFields(log.Fields{
				"path":    r.URL.Path,
				"referer": r.Referer(),
			}).Errorf("panic: %v\n%s", rec, debug.Stack())
			response.InternalError(w, panicMessage(rec))
		}()
		next.ServeHTTP(w, r)
	})
}

func panicMessage(rec interface{}) string {
	msg := "internal error"
	switch v := rec.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	}
	msg, _, _ = strings.Cut(msg, "\n")
	return msg
}
