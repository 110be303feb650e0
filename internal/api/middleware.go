package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/metrics"
)

// requestLogger emits one line per request and feeds the latency histogram.
// The chi route pattern keeps metric cardinality bounded; raw paths with
// embedded ids would blow it up.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			// Hijacked upgrades never write a header through the wrapper.
			status = http.StatusSwitchingProtocols
		}
		elapsed := time.Since(start)
		metrics.HTTPDuration.WithLabelValues(route, r.Method, strconv.Itoa(status)).Observe(elapsed.Seconds())

		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}
