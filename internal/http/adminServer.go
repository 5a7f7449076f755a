package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// AdminServer is meant to listen on a local address only; it has no auth.
type AdminServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(api *API, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", api.IssueTokenHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: api.logger,
	}
}

func (s *AdminServer) Handler() http.Handler { return s.server.Handler }

func (s *AdminServer) Start() error {
	s.logger.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
