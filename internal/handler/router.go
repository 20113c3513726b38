package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sprung-app/llm-orchestrator/internal/middleware"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
)

// RouterConfig configures the HTTP router.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// Handlers bundles the route handlers.
type Handlers struct {
	Health       *HealthHandler
	LLM          *LLMHandler
	Conversation *ConversationHandler
	Agent        *AgentHandler
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/llm", func(r chi.Router) {
			r.Post("/text", h.LLM.Text)
			r.Post("/vision", h.LLM.Vision)
			r.Post("/structured", h.LLM.Structured)
			r.Post("/tools", h.LLM.Tools)
			r.With(middleware.RequireScope(middleware.ScopeAdmin)).Post("/cancel", h.LLM.CancelAll)
		})

		r.Get("/models", h.LLM.Models)
		r.With(middleware.RequireScope(middleware.ScopeAdmin)).Post("/models/refresh", h.LLM.RefreshModels)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.Conversation.Start)
			r.Get("/", h.Conversation.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversation.Get)
				r.Delete("/", h.Conversation.Delete)
				r.Post("/messages", h.Conversation.Continue)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAgents))
			r.Post("/agents", h.Agent.Dispatch)
			r.Post("/knowledge-cards", h.Agent.KnowledgeCards)
		})

		r.Route("/activity", func(r chi.Router) {
			r.Get("/", h.Agent.ListActivity)
			r.Delete("/", h.Agent.Prune)
			r.Get("/events", h.Agent.Events)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Agent.GetActivity)
				r.Get("/history", h.Agent.History)
				r.With(middleware.RequireScope(middleware.ScopeAgents)).Post("/kill", h.Agent.Kill)
			})
		})
	})

	return r
}
