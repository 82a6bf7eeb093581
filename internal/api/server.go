// Package api exposes the read-only results/progress surface: fetching a
// completed run's BacktestResults, pushing live day-by-day progress over
// WebSocket, and serving Prometheus metrics. Grounded on the teacher's
// internal/api/server.go (mux.Router + rs/cors wrapping + gorilla
// websocket.Upgrader, NewServer/setupRoutes/Start/Stop shape), trimmed
// from the teacher's read-write surface (POST /backtest/run,
// /cancel) to a read-only one: spec.md scopes the coordinator itself as
// a library call, not a job queue, so nothing here accepts a run request
// over HTTP. The hub/broadcast pattern is grounded on the teacher's
// internal/api/websocket.go Hub.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ResultStore is the subset of result storage the server reads from;
// satisfied by a simple in-process map (see Store below) or any external
// store the CLI chooses to back it with.
type ResultStore interface {
	Get(id string) (types.BacktestResults, bool)
}

// Store is an in-memory ResultStore a single CLI process can populate
// after a run completes.
type Store struct {
	mu      sync.RWMutex
	results map[string]types.BacktestResults
}

// NewStore returns an empty in-memory result store.
func NewStore() *Store { return &Store{results: make(map[string]types.BacktestResults)} }

// Put records a completed run's results under its RunID.
func (s *Store) Put(results types.BacktestResults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[results.RunID] = results
}

// Get implements ResultStore.
func (s *Store) Get(id string) (types.BacktestResults, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

// Server is the read-only HTTP/WebSocket results surface.
type Server struct {
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	store      ResultStore
	hub        *Hub
	registry   *prometheus.Registry
}

// NewServer constructs a Server over a result store and, optionally, a
// Prometheus registry to expose at /metrics (nil disables the endpoint).
func NewServer(logger *zap.Logger, config types.ServerConfig, store ResultStore, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		store:    store,
		hub:      NewHub(logger),
		registry: registry,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backtests/{id}", s.handleGetBacktest).Methods(http.MethodGet)
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	if s.registry != nil && s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Hub returns the progress hub so a coordinator's ProgressFunc callback
// can be wired to it without this package depending on internal/backtest.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the cors-wrapped router, letting callers (tests, or an
// embedding process that wants its own http.Server) drive requests
// without going through Start's ListenAndServe.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting results API", zap.String("addr", addr))
	go s.hub.Run()
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	results, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(results)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(conn)
	s.hub.register <- client
	go client.writePump()
}
