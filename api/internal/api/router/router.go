package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sirka-internal/vps-agent/api/internal/api/handlers"
	auth_middleware "github.com/sirka-internal/vps-agent/api/internal/api/middleware"
	deliveryhttp "github.com/sirka-internal/vps-agent/api/internal/delivery/http"
)

// MaxDeployBody is the largest accepted deploy request, inline artifact included.
const MaxDeployBody = 100 << 20

// readTimeout bounds every route except deploy, whose artifact download has its
// own, much longer timeout.
const readTimeout = 30 * time.Second

// RouterConfig defines the dependencies required to build the routing tree.
type RouterConfig struct {
	AllowedOrigins []string
	DeployHandler  *handlers.DeploymentHandler
	WSHandler      *handlers.WebSocketHandler
	HealthHandler  *deliveryhttp.HealthHandler
	AuthMiddleware *auth_middleware.AuthMiddleware
	RateLimiter    *auth_middleware.RateLimiter
	// SigningSecret, when set, requires an X-Sirka-Signature on deploy and restart.
	SigningSecret string
	Logger        *slog.Logger
}

// NewRouter constructs the chi multiplexer and wires all endpoints.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(auth_middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Handler)
	}

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth_middleware.AgentTokenHeader, auth_middleware.SignatureHeader},
			ExposedHeaders:   []string{handlers.TraceIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health check (no auth required)
	r.With(middleware.Timeout(readTimeout)).Get("/health", cfg.HealthHandler.Check)

	protected := func(r chi.Router) {
		r.Use(cfg.AuthMiddleware.RequireAgentToken)

		signed := auth_middleware.RequireSignature(cfg.SigningSecret)

		r.With(auth_middleware.MaxBytes(MaxDeployBody), signed).Post("/deploy", cfg.DeployHandler.Deploy)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(readTimeout))
			r.Use(auth_middleware.MaxBytes(1 << 20))
			r.With(signed).Post("/restart", cfg.DeployHandler.Restart)
			r.Get("/status", cfg.DeployHandler.Status)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		protected(r)

		r.With(middleware.Timeout(readTimeout)).Get("/audit", cfg.DeployHandler.Audit)
		r.With(middleware.Timeout(readTimeout)).Get("/sites/{id}/deployments", cfg.DeployHandler.History)
		r.With(auth_middleware.ValidateTraceID("trace_id")).
			Get("/deployments/{trace_id}/events", cfg.DeployHandler.StreamEvents)
	})

	// --- WebSocket deployment event stream ---
	r.Group(func(r chi.Router) {
		r.Use(cfg.AuthMiddleware.RequireAgentToken)
		r.With(auth_middleware.ValidateTraceID("trace_id")).
			Get("/ws/deployments/{trace_id}", cfg.WSHandler.StreamDeploymentEvents)
	})

	// Unversioned routes used by platforms predating /api/v1.
	r.Group(protected)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	return r
}
