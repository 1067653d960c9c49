package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/api/middleware"
	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/handlers"
	"github.com/eldtechnologies/duet/internal/presence"
	"github.com/eldtechnologies/duet/internal/store"
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Store        store.DataStore
	Redis        *store.RedisStore // optional
	Chat         *chat.Service
	Registry     presence.Registry
	Auth         middleware.Authenticator
	Gateway      http.Handler
	RateLimit    middleware.RateLimiterConfig
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 16 << 20

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limiting is shared across instances through Redis
	var redisClient *redis.Client
	if deps.Redis != nil {
		redisClient = deps.Redis.Client()
	}
	limiter := middleware.NewRateLimiter(redisClient, logger, deps.RateLimit)

	h := handlers.NewHandler(deps.Store, deps.Redis, deps.Chat, deps.Registry, logger)
	auth := middleware.NewAuthMiddleware(deps.Auth, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	// Real-time sessions authenticate themselves before upgrading
	r.With(limiter.Middleware).Handle("/ws", deps.Gateway)

	// Authenticated routes (bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Use(limiter.Middleware)

		r.Get("/users/me", h.Me)
		r.Get("/users/{id}/presence", h.Presence)

		r.Post("/rooms/connect", h.ConnectRoom)
		r.Get("/rooms", h.ListRooms)
		r.Get("/rooms/{id}/messages", h.GetRoomMessages)

		r.Post("/messages", h.SendMessage)
		r.Patch("/messages/{id}/status", h.UpdateMessageStatus)
		r.Delete("/messages/{id}", h.DeleteMessage)
	})

	return r
}
