// Package service wires the bundler's HTTP JSON-RPC server and the
// Execution Manager's timers into a single New/Start/Stop lifecycle,
// guarded by a mutex and running flag, narrowed to one HTTP listener.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/bundlerrpc"
	"github.com/erc4337/bundler/internal/execution"
)

// Config parameterizes the service's HTTP listener and background timers.
type Config struct {
	Addr                   string
	AutoBundleInterval     int
	AutoBundleMempoolSize  int
	ReputationCronInterval time.Duration

	ShutdownTimeout time.Duration
}

// Service is the bundler process's top-level lifecycle.
type Service struct {
	cfg  Config
	exec *execution.Manager

	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// New builds a Service serving registry over HTTP and driving exec's
// background timers once started.
func New(cfg Config, exec *execution.Manager, registry *bundlerrpc.Registry) *Service {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	srv := bundlerrpc.NewServer(registry)
	return &Service{
		cfg:  cfg,
		exec: exec,
		httpServer: &http.Server{
			Addr:    cfg.Addr,
			Handler: srv,
		},
	}
}

// Start starts the HTTP server and the Execution Manager's auto-bundler
// and reputation-decay timers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("service: already running")
	}

	go func() {
		log.Info("bundler RPC server listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("bundler RPC server error", "err", err)
		}
	}()

	s.exec.SetAutoBundler(ctx, s.cfg.AutoBundleInterval, s.cfg.AutoBundleMempoolSize)
	s.exec.SetReputationCron(int(s.cfg.ReputationCronInterval / time.Millisecond))

	s.running = true
	log.Info("bundler service started")
	return nil
}

// Stop gracefully shuts down the HTTP server and cancels the background
// timers.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	s.exec.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("service: shutdown http server: %w", err)
	}

	s.running = false
	log.Info("bundler service stopped")
	return nil
}
