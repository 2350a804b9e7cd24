package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/anoint-array/platform/internal/errors"
	internalhttputil "github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
)

// MetricsMiddleware records HTTP metrics for each request
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			m.IncrementInFlight()
			defer m.DecrementInFlight()

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			// Use route pattern if available
			path := metrics.CanonicalPath(r.URL.Path)
			if route := mux.CurrentRoute(r); route != nil {
				if pathTemplate, err := route.GetPathTemplate(); err == nil {
					path = pathTemplate
				}
			}

			m.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// Recoverer converts handler panics into 500 responses.
func Recoverer(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic":  rec,
						"path":   r.URL.Path,
						"method": r.Method,
						"stack":  string(debug.Stack()),
					}).Error("Handler panic")
					internalhttputil.WriteError(w, r, errors.Internal("", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
