// Package status serves health, metrics and session state over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/distributed"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/metrics"
	"github.com/dermesser/clusterinvoke/server"
)

// Sources is what the status surface reports on. Scheduler may be nil.
type Sources struct {
	Server    *server.Server
	Scheduler *distributed.Scheduler
}

// Report is the body of GET /status.
type Report struct {
	Healthy  bool                         `json:"healthy"`
	Users    int                          `json:"users"`
	Sessions []server.SessionInfo         `json:"sessions"`
	Pending  int                          `json:"pending"`
	Systems  []distributed.SystemSnapshot `json:"systems,omitempty"`
}

// NewRouter returns the status routes: /healthz, /metrics and /status.
func NewRouter(src Sources) *chi.Mux {
	logger := log.WithComponent("status")

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observe(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !src.Server.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, buildReport(src))
	})
	return r
}

func buildReport(src Sources) Report {
	rep := Report{
		Healthy:  src.Server.Healthy(),
		Users:    src.Server.NumUsers(),
		Sessions: src.Server.Sessions(),
	}
	if src.Scheduler != nil {
		rep.Pending = src.Scheduler.NumPending()
		rep.Systems = src.Scheduler.Snapshot()
	}
	return rep
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warn().Err(err).Msg("could not write status response")
	}
}

// observe counts and debug-logs requests by route pattern.
func observe(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			metrics.RecordStatusRequest(route, code)
			logger.Debug().Str("method", r.Method).Str("route", route).Int("code", code).Dur("took", time.Since(start)).Msg("status request")
		})
	}
}

/*
ListenAndServe serves h on addr until ctx is done, then shuts the HTTP server
down gracefully.
*/
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, l, h)
}

func Serve(ctx context.Context, l net.Listener, h http.Handler) error {
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	logger := log.WithComponent("status")
	logger.Info().Str("addr", l.Addr().String()).Msg("status server listening")

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(l) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
