// ABOUTME: HTTP orchestrator for the relay gateway.
// ABOUTME: Owns the registry, routes REST and the agent websocket endpoint.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/komalamee/options-buddy-relay/internal/auth"
	"github.com/komalamee/options-buddy-relay/internal/config"
	"github.com/komalamee/options-buddy-relay/internal/relay"
	"github.com/komalamee/options-buddy-relay/internal/store"
)

// Server wires the relay registry, identity store, and auth layer behind
// one HTTP surface: REST for API consumers, a websocket endpoint for
// agents.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *relay.Registry
	store    store.Store
	verifier *auth.JWTVerifier
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New builds a server around the given store. Connection events are
// recorded to the store; heartbeat staleness follows the configured
// heartbeat timeout.
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Server {
	registry := relay.NewRegistry(logger,
		relay.WithRecorder(st),
		relay.WithStaleAfter(cfg.Relay.HeartbeatTimeout),
	)
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    st,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the relay registry, mainly for tests and the health
// subcommand.
func (s *Server) Registry() *relay.Registry { return s.registry }

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Agent tunnel and credential bootstrap.
	r.HandleFunc("/api/ibkr/relay", s.handleRelay).Methods("GET")
	r.HandleFunc("/api/ibkr/agent-token", s.handleAgentToken).Methods("POST")

	// Broker data, proxied through the caller's tunnel.
	r.HandleFunc("/api/ibkr/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/ibkr/accounts", s.handleAccounts).Methods("GET")
	r.HandleFunc("/api/ibkr/positions", s.handlePositions).Methods("GET")
	r.HandleFunc("/api/ibkr/portfolio", s.handlePortfolio).Methods("GET")
	r.HandleFunc("/api/ibkr/price/{symbol}", s.handlePrice).Methods("GET")
	r.HandleFunc("/api/ibkr/options/{symbol}/expirations", s.handleOptionExpirations).Methods("GET")
	r.HandleFunc("/api/ibkr/options/{symbol}/strikes", s.handleOptionStrikes).Methods("GET")
	r.HandleFunc("/api/ibkr/options/{symbol}/data", s.handleOptionData).Methods("GET")
	r.HandleFunc("/api/ibkr/options/{symbol}/chain", s.handleOptionChain).Methods("POST")

	// Monitoring.
	r.HandleFunc("/api/ibkr/connections", s.handleConnections).Methods("GET")

	return r
}

// Start runs the HTTP server until Shutdown or a listen error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("relay gateway listening", "addr", s.cfg.Server.HTTPAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones. Live
// tunnels are torn down by their read loops as connections close.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
