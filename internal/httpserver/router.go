// Package httpserver assembles the chi router Sentinel serves: health
// endpoints, the metrics endpoint, and every proxied endpoint behind
// the Admission Pipeline, grounded on the teacher gateway's
// router/router.go middleware chain.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/keystonegw/sentinel/internal/admission"
	"github.com/keystonegw/sentinel/internal/metrics"
)

// NewRouter returns a configured chi.Router: CORS-free internal gateway
// middleware chain (request ID, panic recovery, request logger) in
// front of health/metrics endpoints and the admission pipeline mounted
// on every path the upstream Claude API exposes.
func NewRouter(pipeline *admission.Pipeline, reg *metrics.Registry, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sentinel"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"sentinel"}`))
	})
	if reg != nil {
		r.Get("/metrics", reg.Handler().ServeHTTP)
	}

	// Every path the upstream Claude API and Claude Code route through
	// runs the full admission sequence — spec.md §4.6 applies uniformly
	// regardless of which alias the client used to reach it.
	r.Handle("/v1/messages", pipeline)
	r.Handle("/v1/messages/count_tokens", pipeline)
	r.Handle("/claude/v1/messages", pipeline)
	r.Handle("/claude/v1/messages/count_tokens", pipeline)
	r.Handle("/api/v1/messages", pipeline)
	r.Handle("/api/v1/messages/count_tokens", pipeline)

	return r
}

func mwRequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
