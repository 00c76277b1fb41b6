// Package controlsurface exposes a read-only operational HTTP surface:
// health, stats, Prometheus metrics, and a websocket that relays selected
// bus events to dashboards. It never originates trading decisions; the
// core does not import this package.
package controlsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/types"
)

// StatsSource aggregates the snapshots the surface exposes.
type StatsSource interface {
	EngineStats() map[string]any
}

// Server is the operational HTTP/WS server.
type Server struct {
	logger *zap.Logger
	cfg    config.ServerConfig
	bus    *events.Bus
	stats  StatsSource

	upgrader websocket.Upgrader
	srv      *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer creates the control surface.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, bus *events.Bus, stats StatsSource) *Server {
	return &Server{
		logger: logger.Named("control-surface"),
		cfg:    cfg,
		bus:    bus,
		stats:  stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Start launches the HTTP server and subscribes the event relay.
func (s *Server) Start(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWS)
	router.Handle("/metrics", promhttp.Handler())

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	// Relay operator-relevant events to connected dashboards.
	s.bus.SubscribeAll(events.NewHandler("control-surface-relay",
		func(ctx context.Context, event types.Event) error {
			s.broadcast(event)
			return nil
		},
		types.EventTypePortfolioValue,
		types.EventTypeRiskViolation,
		types.EventTypeBrokerHealthAlert,
		types.EventTypeOrderStatus,
		types.EventTypeStrategyStatus,
	))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		s.logger.Info("Control surface listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control surface server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"bus":    s.bus.GetStats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{"bus": s.bus.GetStats()}
	if s.stats != nil {
		for k, v := range s.stats.EngineStats() {
			payload[k] = v
		}
	}
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("Dashboard client connected", zap.Int("clients", count))

	// Reader loop only to detect disconnect; the surface is read-only.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcast(event types.Event) {
	payload, err := json.Marshal(map[string]any{
		"type":  event.GetType(),
		"event": event,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(s.clients, conn)
			conn.Close()
		}
	}
}
