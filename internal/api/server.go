package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"multiplayer/internal/game"
	"multiplayer/internal/session"
)

// ServerConfig collects what NewServer needs besides the engine.
type ServerConfig struct {
	Session        session.Config
	MaxConnections int
	MaxPerIP       int
	CORSOrigins    []string
	AdminKey       string
	RateLimit      *RateLimitConfig
	DisableLogging bool
}

// Server serves the HTTP API and the game websocket.
type Server struct {
	engine      *game.Engine
	router      *chi.Mux
	hub         *SessionHub
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
}

// NewServer wires routes and the session hub. Nothing listens until Start.
func NewServer(engine *game.Engine, cfg ServerConfig) *Server {
	rl := DefaultRateLimitConfig
	if cfg.RateLimit != nil {
		rl = *cfg.RateLimit
	}
	s := &Server{
		engine:      engine,
		rateLimiter: NewIPRateLimiter(rl),
	}
	s.hub = NewSessionHub(engine, HubConfig{
		Session:        cfg.Session,
		MaxConnections: cfg.MaxConnections,
		MaxPerIP:       cfg.MaxPerIP,
		Origins:        cfg.CORSOrigins,
	})
	s.router = NewRouter(RouterConfig{
		Engine:         engine,
		Sessions:       s.hub,
		RateLimiter:    s.rateLimiter,
		CORSOrigins:    cfg.CORSOrigins,
		AdminKey:       cfg.AdminKey,
		DisableLogging: cfg.DisableLogging,
	})

	// The upgrade request passes the HTTP limiter once; after that the
	// session limits its own input rate.
	s.router.Get("/ws", s.hub.HandleWebSocket)
	return s
}

// Start blocks serving addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("🌐 API server starting on %s", addr)
	log.Printf("🔌 Game websocket: ws://localhost%s/ws?name=<player>", addr)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the handler for httptest.
func (s *Server) Router() http.Handler { return s.router }

// Hub exposes the session hub, for the debug server's window renderer.
func (s *Server) Hub() *SessionHub { return s.hub }

// Shutdown closes sessions, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
