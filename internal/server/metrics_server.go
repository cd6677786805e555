package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/devrev/pairdb/flushengine/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource provides the flush scheduler's last round summary
type StatusSource interface {
	LastStatus() model.FlushStatus
	InFlight() int
}

// DiskUsageSource reports whether snapshot writes are currently refused
type DiskUsageSource interface {
	GetDiskUsage() diskmanager.Usage
}

// MetricsServer serves Prometheus metrics and flush status via HTTP
type MetricsServer struct {
	httpServer *http.Server
	status     StatusSource
	disk       DiskUsageSource
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// Gatherer defaults to the default Prometheus registry
	Gatherer prometheus.Gatherer
	// Disk is optional; without it /ready always reports ready
	Disk DiskUsageSource
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, status StatusSource, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		status: status,
		disk:   cfg.Disk,
		logger: logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)
	mux.HandleFunc("/flush/status", ms.flushStatusHandler)

	return ms
}

// Handler returns the server's HTTP handler
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe serves until Shutdown is called
func (s *MetricsServer) ListenAndServe() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.disk == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ready"}`)
		return
	}

	usage := s.disk.GetDiskUsage()
	code, state := http.StatusOK, "ready"
	if usage.CircuitBroken {
		code, state = http.StatusServiceUnavailable, "disk_full"
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{"status": state, "disk": usage}); err != nil {
		s.logger.Error("Failed to encode readiness", zap.Error(err))
	}
}

func (s *MetricsServer) flushStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := s.status.LastStatus()
	status.InFlight = s.status.InFlight()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to encode flush status", zap.Error(err))
	}
}
