// Package controlplane serves the local HTTP API of the daemon.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/cardsync/internal/directory"
	"github.com/openmined/cardsync/internal/utils"
)

type Config struct {
	Addr  string
	Token string
}

type Server struct {
	config *Config
	server *http.Server
}

func New(config *Config, registry *directory.Registry) *Server {
	routes := SetupRoutes(registry, RouteConfig{Token: config.Token})

	return &Server{
		config: config,
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           routes,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			// no WriteTimeout: event streams stay open
		},
	}
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.config.Addr), "token", utils.MaskSecret(s.config.Token))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control plane: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
