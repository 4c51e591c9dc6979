package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			log := logger.With(
				slog.String("method", r.Method),
				slog.Int("status", status),
				slog.String("route", r.RequestURI),
				slog.String("remote", r.RemoteAddr),
				slog.Duration("duration", time.Since(start)),
			)

			msg := strconv.Itoa(status) + " " + http.StatusText(status)
			if status >= http.StatusInternalServerError {
				log.Error(msg)
				return
			}
			log.Info(msg)
		}
		return http.HandlerFunc(fn)
	}
}

func metricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			status := strconv.Itoa(ww.Status())

			metrics.GetOrCreateSummaryExt(httpReqDurationStr(r.Method, route, status), 5*time.Minute, []float64{0.95, 0.99}).
				UpdateDuration(start)
			metrics.GetOrCreateCounter(httpReqTotalStr(r.Method, route, status)).Inc()
		}
		return http.HandlerFunc(fn)
	}
}

func httpReqDurationStr(method, route, status string) string {
	return `http_request_duration_seconds{method="` + method + `",route="` + route + `",code="` + status + `"}`
}

func httpReqTotalStr(method, route, status string) string {
	return `http_requests_total{method="` + method + `",route="` + route + `",code="` + status + `"}`
}
