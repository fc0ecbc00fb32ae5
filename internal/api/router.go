package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"multiplayer/internal/game"
	"multiplayer/internal/netentity"
	"multiplayer/internal/session"
)

// EngineInterface is what the HTTP handlers need from the engine. Keep it
// minimal so tests can fake it.
type EngineInterface interface {
	Snapshot() game.WorldSnapshot
	Stats() game.EngineStats
	SpawnProp(kind game.PropKind, x, y float64) netentity.ConstHandle
	RemoveProp(id netentity.NetEntityID) bool
}

// SessionDirectory lists connected sessions. SessionHub implements it.
type SessionDirectory interface {
	Sessions() []session.Stats
	SessionStats(id netentity.ConnectionID) (session.Stats, bool)
	Window(id netentity.ConnectionID) ([]WindowEntry, bool)
}

// RouterConfig contains everything NewRouter needs.
//
//	router := api.NewRouter(api.RouterConfig{Engine: engine, Sessions: hub})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	Engine   EngineInterface  // required
	Sessions SessionDirectory // required

	// RateLimiter is used as is when set; otherwise one is built from
	// RateLimitConfig or DefaultRateLimitConfig.
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	// CORSOrigins defaults to DefaultAllowedOrigins.
	CORSOrigins []string

	// AdminKey unlocks the prop endpoints. Empty disables them.
	AdminKey string

	DisableLogging bool
}

type routerHandlers struct {
	engine   EngineInterface
	sessions SessionDirectory
}

// NewRouter builds the HTTP routes. It starts no listeners; the only
// goroutine is the rate limiter's cleanup when RouterConfig.RateLimiter is
// nil.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting before CORS rejects early.
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = DefaultAllowedOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", AdminKeyHeader},
		AllowCredentials: true,
	}))

	h := &routerHandlers{engine: cfg.Engine, sessions: cfg.Sessions}
	admin := NewAdminAuth(cfg.AdminKey)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)

		r.Get("/connections", h.handleListConnections)
		r.Get("/connections/{id}", h.handleGetConnection)
		r.Get("/connections/{id}/window", h.handleGetWindow)

		r.Group(func(r chi.Router) {
			r.Use(admin.Middleware)
			r.Post("/props", h.handleSpawnProp)
			r.Delete("/props/{id}", h.handleRemoveProp)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return r
}

// metricsMiddleware records latency per route pattern so the label set stays
// bounded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordRequest(r.Method, endpoint, status, time.Since(start))
	})
}
