package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/unclebandit/cartrecovery-backend/internal/controller"
	"github.com/unclebandit/cartrecovery-backend/internal/handler"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
)

// Router mounts the full HTTP API over the wired services.
func (a *App) Router(swaggerURL string) http.Handler {
	return handler.NewRouter(handler.Routes{
		Campaigns:     &controller.CampaignController{CampaignService: a.Campaigns},
		Delivery:      &controller.DeliveryController{CampaignService: a.Campaigns, Carts: a.Carts},
		Notifications: handler.NewNotificationHandler(a.Notifications),
		Hub:           a.Hub,
		SwaggerURL:    swaggerURL,
	})
}

// Server serves an http.Handler until its context ends.
type Server struct {
	listener net.Listener
	srv      *http.Server
}

func NewServer(addr string, h http.Handler) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Server{
		listener: l,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the server fails or ctx ends, then shuts down gracefully. Hijacked
// websocket connections are not tracked by Shutdown; the hub reaper drops their sessions.
func (s *Server) Serve(ctx context.Context) error {
	log := logger.WithModule("http")
	log.WithField("addr", s.Addr()).Info("server listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
