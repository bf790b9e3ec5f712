// Package api exposes the suite execution engine over HTTP: starting and
// stopping runs, browsing results, and streaming run progress as
// server-sent events.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/suite"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	store      store.Store
	events     eventlog.Log
	manager    suite.Manager
	agents     suite.AgentSource
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server over the given engine components.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	st store.Store,
	events eventlog.Log,
	manager suite.Manager,
	agents suite.AgentSource,
) Server {
	return &server{
		log:     log.WithField("component", "api"),
		cfg:     cfg,
		store:   st,
		events:  events,
		manager: manager,
		agents:  agents,
	}
}

// Start binds the listener and serves HTTP until Stop.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.ListenAddr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
