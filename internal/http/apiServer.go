package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"marketsync/internal/ws"
)

type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(api *API, realtime *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", api.HealthHandler)

	mux.HandleFunc("POST /api/logoff", api.LogoffHandler)
	mux.HandleFunc("GET /api/me", api.RequireAuth(api.MeHandler))
	mux.HandleFunc("POST /api/push-subscriptions", api.RequireAuth(api.SubscribePushHandler))
	mux.HandleFunc("DELETE /api/push-subscriptions", api.RequireAuth(api.UnsubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("/realtime", realtime.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: api.logger,
	}
}

func (s *APIServer) Handler() http.Handler { return s.server.Handler }

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
