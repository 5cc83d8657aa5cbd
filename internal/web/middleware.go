package web

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PanicRecovery turns a handler panic into a 500
func PanicRecovery(metricsManager *metrics.Manager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if r := recover(); r != nil {
					logging.Logger.Error().
						Str("path", req.URL.Path).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("panic serving request")
					if metricsManager != nil {
						metricsManager.CounterHandleRequestPanic.Inc()
					}
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, req)
		})
	}
}

// LogRequest writes one access log line per request. Query strings are left
// out since they carry access tokens.
func LogRequest() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			begin := time.Now()
			resp := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(resp, r)

			logging.Logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", resp.statusCode).
				Dur("duration", time.Since(begin)).
				Str("user_agent", r.UserAgent()).
				Msg("request")
		})
	}
}

// RequestMetrics counts requests by route template and status
func RequestMetrics(m *metrics.Manager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m.GaugeRequests.Inc()
			defer func(begin time.Time) {
				m.GaugeRequests.Dec()
				m.HistRequestDuration.Observe(time.Since(begin).Seconds())
			}(time.Now())

			resp := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(resp, req)

			m.CounterRequests.With(prometheus.Labels{
				"route":  routeName(req),
				"status": strconv.Itoa(resp.statusCode),
			}).Inc()
		})
	}
}

func routeName(req *http.Request) string {
	if route := mux.CurrentRoute(req); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *responseWriter) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.statusCode = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseWriter) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
