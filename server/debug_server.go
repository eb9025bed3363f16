package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/livedb/config"
	"github.com/arl/statsviz"
)

// DebugServer serves expvar metrics, pprof and the statsviz runtime dashboard.
type DebugServer struct {
	server *http.Server
	mux    *http.ServeMux
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewDebugServer builds the handler set selected by cfg. Nothing listens until Start.
func NewDebugServer(cfg config.DebugConfig, logger *slog.Logger) (*DebugServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "DebugServer")
	mux := http.NewServeMux()

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.MonitorUIEnabled {
		if err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			return nil, fmt.Errorf("failed to register statsviz: %w", err)
		}
		logger.Info("Runtime dashboard available at /viz")
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	return &DebugServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:    mux,
		logger: logger,
	}, nil
}

// Handler returns the configured mux.
func (s *DebugServer) Handler() http.Handler {
	return s.mux
}

// Addr is the bound address once Start is listening, or the configured one.
func (s *DebugServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start listens and serves until Stop. It blocks.
func (s *DebugServer) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("Debug server listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting up to 5s for in-flight requests.
func (s *DebugServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
		return
	}
	s.logger.Info("Debug server stopped.")
}
