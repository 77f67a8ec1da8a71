package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ricochet1k/taskrelay/internal/realtime"
	"github.com/ricochet1k/taskrelay/internal/router"
	"github.com/ricochet1k/taskrelay/internal/service"
	apiTypes "github.com/ricochet1k/taskrelay/pkg/api"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultReplayLimit  = 0
	maxMessageLimit     = 1000
)

type Config struct {
	Orchestrator *service.Orchestrator
	Router       *router.Router
	Hub          *realtime.Hub

	Providers       []string
	DefaultProvider string

	// AuthToken, when set, is required on every /api request.
	AuthToken string
	// PingInterval is how often task WebSockets receive a ping event.
	PingInterval time.Duration
	// ReplayLimit is used when a WebSocket omits ?limit. Zero replays all.
	ReplayLimit int

	Logger *slog.Logger
}

// Handler routes REST and WebSocket requests to the orchestrator and router.
type Handler struct {
	orch   *service.Orchestrator
	router *router.Router
	hub    *realtime.Hub

	providers       []string
	defaultProvider string
	authToken       string
	pingInterval    time.Duration
	replayLimit     int
	logger          *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Hub == nil {
		cfg.Hub = realtime.NewHub()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		orch:            cfg.Orchestrator,
		router:          cfg.Router,
		hub:             cfg.Hub,
		providers:       cfg.Providers,
		defaultProvider: cfg.DefaultProvider,
		authToken:       cfg.AuthToken,
		pingInterval:    cfg.PingInterval,
		replayLimit:     cfg.ReplayLimit,
		logger:          cfg.Logger.With("component", "api"),
	}
}

// Routes builds the full HTTP handler with middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.healthz)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.authToken))
		h.Mount(r)
	})
	return r
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/providers", h.listProviders)
	r.Get("/api/tasks", h.listTasks)
	r.Post("/api/tasks", h.createTask)
	r.Get("/api/tasks/{id}", h.getTask)
	r.Delete("/api/tasks/{id}", h.deleteTask)
	r.Post("/api/tasks/{id}/prompt", h.promptTask)
	r.Post("/api/tasks/{id}/interrupt", h.interruptTask)
	r.Get("/api/tasks/{id}/messages", h.getTaskMessages)
	r.Get("/api/tasks/{id}/ws", h.taskWebSocket)
	r.Get("/api/tasks/{id}/events", h.taskEvents)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tasks":   len(h.orch.List()),
		"viewers": h.hub.Count(),
	})
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.providers
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, apiTypes.ProvidersResponse{
		Providers: providers,
		Default:   h.defaultProvider,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}
