package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/infra/monitoring"
	"github.com/crmkit/knowledge/pkg/config"
	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	monitoringInitTimeout     = 500 * time.Millisecond
	monitoringShutdownTimeout = 5 * time.Second
	serverShutdownTimeout     = 10 * time.Second
	cleanupTimeout            = 30 * time.Second
	httpReadHeaderTimeout     = 10 * time.Second
	httpIdleTimeout           = 60 * time.Second
)

type Server struct {
	config     *config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	deps       *Dependencies
	monitoring *monitoring.Service
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer reads the configuration attached to ctx.
func NewServer(ctx context.Context) (*Server, error) {
	serverCtx, cancel := context.WithCancel(ctx)
	cfg := config.FromContext(serverCtx)
	if cfg == nil {
		cancel()
		return nil, fmt.Errorf("configuration missing from context; attach it with config.ContextWithConfig")
	}
	return &Server{config: cfg, ctx: serverCtx, cancel: cancel}, nil
}

// Run builds every dependency, serves HTTP and blocks until a signal or the
// parent context asks for shutdown.
func (s *Server) Run() error {
	defer s.cancel()
	log := logger.FromContext(s.ctx)
	s.setupMonitoring()
	defer s.shutdownMonitoring()
	deps, err := Setup(s.ctx, s.config)
	if err != nil {
		return err
	}
	s.deps = deps
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
		defer cancel()
		s.deps.Close(ctx)
	}()
	router, err := NewRouter(s.ctx, s.config, deps, s.monitoring)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}
	s.router = router
	s.httpServer = s.createHTTPServer()
	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", fmt.Sprintf("http://%s", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return s.waitForShutdown(errCh)
}

func (s *Server) setupMonitoring() {
	log := logger.FromContext(s.ctx)
	ctx, cancel := context.WithTimeout(s.ctx, monitoringInitTimeout)
	defer cancel()
	cfg := &monitoring.Config{Enabled: s.config.Monitoring.Enabled, Path: s.config.Monitoring.Path}
	s.monitoring = monitoring.NewMonitoringServiceWithFallback(ctx, cfg)
	if s.monitoring.IsInitialized() {
		s.monitoring.SetAsGlobal()
		log.Info("Monitoring service initialized", "path", cfg.Path)
	}
}

func (s *Server) shutdownMonitoring() {
	if s.monitoring == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), monitoringShutdownTimeout)
	defer cancel()
	if err := s.monitoring.Shutdown(ctx); err != nil {
		logger.FromContext(s.ctx).Error("Failed to shutdown monitoring service", "error", err)
	}
}

func (s *Server) createHTTPServer() *http.Server {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.Port))
	timeout := s.config.Server.Timeout
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       timeout,
		// ingestion runs inline, so writes may take as long as the ingest budget
		WriteTimeout: max(timeout, s.config.Ingest.Timeout),
		IdleTimeout:  httpIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.ctx },
	}
}

func (s *Server) waitForShutdown(errCh <-chan error) error {
	log := logger.FromContext(s.ctx)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Debug("Received shutdown signal, initiating graceful shutdown", "signal", sig.String())
	case <-s.ctx.Done():
		log.Debug("Context canceled, initiating graceful shutdown")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), serverShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.cancel()
	log.Info("Server shutdown completed successfully")
	return nil
}

// Shutdown asks a running server to stop.
func (s *Server) Shutdown() {
	s.cancel()
}
