// Package relay bridges websocket clients to a generation backend.
//
// Each accepted websocket gets its own Conn with a private transcript. User
// messages on one connection are handled strictly in arrival order by a
// single worker, so the transcript handed to the generator always alternates
// user and model turns. Connections share nothing but the generator.
//
// Routes:
//   - GET /ws        - websocket upgrade
//   - GET /api/hello - greeting payload
//   - GET /healthz   - liveness and open connection count
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"ChatRelay/internal/archive"
	"ChatRelay/internal/backend"
	"ChatRelay/internal/config"
	"ChatRelay/internal/session"
)

const (
	maxMessageSize  = 64 * 1024
	shutdownTimeout = 10 * time.Second
)

// Archive receives a copy of every exchange. It is never read back.
type Archive interface {
	Opened(ctx context.Context, connID string, at time.Time) error
	Closed(ctx context.Context, connID string, at time.Time) error
	Record(ctx context.Context, ex archive.Exchange) error
}

// Server owns HTTP handlers and the set of live connections
type Server struct {
	cfg             config.ServerConfig
	gen             backend.Generator
	archive         Archive
	generateTimeout time.Duration
	logger          *slog.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server

	mu    sync.Mutex
	conns map[string]*Conn

	connections metric.Int64UpDownCounter
	messages    metric.Int64Counter
}

// Option customizes a Server
type Option func(*Server)

// WithArchive records every exchange in a
func WithArchive(a Archive) Option {
	return func(s *Server) { s.archive = a }
}

// WithGenerateTimeout bounds each generation call. Zero means no bound.
func WithGenerateTimeout(d time.Duration) Option {
	return func(s *Server) { s.generateTimeout = d }
}

// NewServer constructs a Server and registers its routes
func NewServer(cfg config.ServerConfig, gen backend.Generator, logger *slog.Logger, meter metric.Meter, opts ...Option) (*Server, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 1
	}

	connections, err := meter.Int64UpDownCounter(
		"relay.connections",
		metric.WithDescription("Open websocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}
	messages, err := meter.Int64Counter(
		"relay.messages",
		metric.WithDescription("User messages handled, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		gen:         gen,
		logger:      logger,
		mux:         http.NewServeMux(),
		conns:       make(map[string]*Conn),
		connections: connections,
		messages:    messages,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /api/hello", s.handleHello)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler exposes the route mux, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP until ctx is cancelled, then closes every connection and
// shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s.logger.Info("starting relay", "addr", s.cfg.Addr, "backend", s.gen.Name())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listen failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down relay")
		s.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay shutdown failed: %w", err)
		}
		s.logger.Info("relay shutdown complete")
		return nil
	})

	return eg.Wait()
}

// CloseAll disconnects every client
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Transcript returns a copy of one connection's transcript
func (s *Server) Transcript(connID string) ([]session.Turn, bool) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.transcript.Snapshot(), true
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.connections.Add(context.Background(), 1)
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if ok {
		s.connections.Add(context.Background(), -1)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws)
	s.register(c)
	c.logger.Info("client connected", "remote", r.RemoteAddr)

	if s.archive != nil {
		if err := s.archive.Opened(c.ctx, c.id, c.transcript.StartTime); err != nil {
			c.logger.Warn("failed to archive connection", "error", err)
		}
	}

	go c.dispatch()
	if s.cfg.PingInterval > 0 {
		go c.keepAlive(s.cfg.PingInterval)
	}
	c.readLoop()
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	s.allowCORS(w, r)
	writeJSON(w, map[string]string{"message": s.cfg.Greeting})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "connections": s.ConnectionCount()})
}

func (s *Server) allowCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && s.checkOrigin(r) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
