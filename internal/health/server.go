package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// ReadinessChecker reports whether the process is ready to serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// FleetLister returns the current device records for debugging.
type FleetLister interface {
	Devices() []model.DeviceRecord
}

// JobLister returns the known deployment jobs for debugging.
type JobLister interface {
	ListJobs() []model.DeploymentJob
}

// StatsProvider summarizes recent inference routing for debugging.
type StatsProvider interface {
	Stats(modelName string, window time.Duration) model.InferenceStats
}

// Server exposes health, readiness, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	readiness  ReadinessChecker
	fleet      FleetLister
	jobs       JobLister
	stats      StatsProvider
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and debug endpoints are registered.
// fleet, jobs, and stats may be nil; their debug endpoints then return 204.
func NewServer(port int, metrics *observability.Metrics, readiness ReadinessChecker, fleet FleetLister, jobs JobLister, stats StatsProvider, enableDebug bool) *Server {
	s := &Server{
		metrics:   metrics,
		readiness: readiness,
		fleet:     fleet,
		jobs:      jobs,
		stats:     stats,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		// pprof handlers, only enabled when EDGEFLEET_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		// debug endpoints
		mux.HandleFunc("/debug/fleet", s.handleDebugFleet)
		mux.HandleFunc("/debug/jobs", s.handleDebugJobs)
		mux.HandleFunc("/debug/inference", s.handleDebugInference)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err // server exited with unexpected error; ignore during shutdown
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ready := s.readiness.IsReady()
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}

func (s *Server) handleDebugFleet(w http.ResponseWriter, _ *http.Request) {
	if s.fleet == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.fleet.Devices())
}

func (s *Server) handleDebugJobs(w http.ResponseWriter, _ *http.Request) {
	if s.jobs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.jobs.ListJobs())
}

// handleDebugInference reports routing stats. Query parameters: model
// (optional filter) and window (Go duration, default 1h).
func (s *Server) handleDebugInference(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid window %q", v), http.StatusBadRequest)
			return
		}
		window = d
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.stats.Stats(r.URL.Query().Get("model"), window))
}
