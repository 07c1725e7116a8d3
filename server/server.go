// Package server is the HTTP surface of the orchestration service: the
// endpoint local pods connect to, health checks of the service and of single
// workspaces, and a separate metrics listener.
package server // import "github.com/whisthq/whist/backend/workspaces/server"

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/httputils"
	"github.com/whisthq/whist/backend/workspaces/router"
	"github.com/whisthq/whist/backend/workspaces/types"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Paths served by the service.
const (
	ConnectPath         = "/v1/pods/connect"
	PodsPath            = "/v1/pods"
	WorkspaceHealthPath = "/v1/workspaces/{workspaceID}/health"
	HealthPath          = "/healthz"
	MetricsPath         = "/metrics"
)

// workspaceHealthTimeout bounds a workspace health probe.
const workspaceHealthTimeout = 5 * time.Second

// PodHub is the part of the RPC hub the server exposes.
type PodHub interface {
	http.Handler
	Pods() []types.PodID
}

// WorkspaceChecker probes workspaces. It is implemented by the router.
type WorkspaceChecker interface {
	HealthCheckWorkspace(ctx context.Context, id types.WorkspaceID, timeout time.Duration) (router.HealthStatus, error)
}

// Config holds the listen addresses of the server.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	// ShutdownTimeout bounds the graceful shutdown of both listeners.
	ShutdownTimeout time.Duration
	// ConnectRate and ConnectBurst throttle pod connections.
	ConnectRate  rate.Limit
	ConnectBurst int
}

// Server serves the API and metrics listeners.
type Server struct {
	cfg     Config
	api     *http.Server
	metrics *http.Server
}

// New builds the server. Metrics are gathered from gatherer.
func New(cfg Config, hub PodHub, checker WorkspaceChecker, gatherer prometheus.Gatherer) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.ConnectRate <= 0 {
		cfg.ConnectRate = rate.Every(100 * time.Millisecond)
	}
	if cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = 20
	}

	return &Server{
		cfg: cfg,
		// Pod connections are long-lived, so there is no write timeout on
		// the API listener.
		api: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           Router(hub, checker, rate.NewLimiter(cfg.ConnectRate, cfg.ConnectBurst)),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		metrics: &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           MetricsRouter(gatherer),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
}

// throttleMiddleware rejects requests over the limiter's rate with a 429.
func throttleMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router returns the API routes.
func Router(hub PodHub, checker WorkspaceChecker, limiter *rate.Limiter) chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		httputils.WriteJSON(w, http.StatusOK, struct {
			Status        string `json:"status"`
			ConnectedPods int    `json:"connected_pods"`
		}{"ok", len(hub.Pods())})
	})
	r.Get(PodsPath, func(w http.ResponseWriter, r *http.Request) {
		pods := hub.Pods()
		if pods == nil {
			pods = []types.PodID{}
		}
		httputils.RequestResult{Result: pods}.Send(w)
	})
	r.Get(WorkspaceHealthPath, func(w http.ResponseWriter, r *http.Request) {
		id := types.WorkspaceID(chi.URLParam(r, "workspaceID"))
		status, err := checker.HealthCheckWorkspace(r.Context(), id, workspaceHealthTimeout)
		if err != nil {
			httputils.RequestResult{Err: err, Status: errorStatus(err)}.Send(w)
			return
		}
		httputils.RequestResult{Result: status}.Send(w)
	})
	r.Method(http.MethodGet, ConnectPath, throttleMiddleware(limiter, hub))
	return r
}

// errorStatus maps a classified error to an HTTP status.
func errorStatus(err error) int {
	switch compute.KindOf(err) {
	case compute.KindNotFound:
		return http.StatusNotFound
	case compute.KindConfig:
		return http.StatusBadRequest
	case compute.KindConnectivity, compute.KindTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MetricsRouter returns the routes of the metrics listener.
func MetricsRouter(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// Run serves both listeners until ctx ends, then shuts them down. It
// returns the first listener error other than a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{s.api, s.metrics} {
		srv := srv
		g.Go(func() error {
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		var firstErr error
		for _, srv := range []*http.Server{s.api, s.metrics} {
			if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	return g.Wait()
}
