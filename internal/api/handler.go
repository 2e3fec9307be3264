// Package api provides the HTTP surface of the bridge: health, status and
// session inspection.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tgcode/internal/bridge"
	"github.com/ashureev/tgcode/internal/domain"
)

// healthCheckTimeout bounds the database ping behind /health.
const healthCheckTimeout = 5 * time.Second

// Repository is the slice of the store the API reads.
type Repository interface {
	Ping(ctx context.Context) error
	ListSessions(ctx context.Context) ([]domain.SessionRecord, error)
}

// StatusSource reports what the bridge is doing right now.
type StatusSource interface {
	Status() bridge.Status
}

// ClientCounter reports connected webchat clients.
type ClientCounter interface {
	Count() int
}

// Handler serves the API routes. It also records event stream connectivity,
// so it can be passed to the multiplexer as a status reporter.
type Handler struct {
	repo    Repository
	bridge  StatusSource
	clients ClientCounter
	logger  *slog.Logger

	eventsConnected atomic.Bool
}

// NewHandler creates a Handler. clients may be nil when webchat is disabled.
func NewHandler(repo Repository, b StatusSource, clients ClientCounter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, bridge: b, clients: clients, logger: logger}
}

// SetEventStreamConnected implements events.StatusReporter.
func (h *Handler) SetEventStreamConnected(connected bool) {
	h.eventsConnected.Store(connected)
}

// RegisterHealth registers the unauthenticated health route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/sessions", h.Sessions)
	})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok", "events": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	if !h.eventsConnected.Load() {
		checks["events"] = "disconnected"
		status = "degraded"
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	bridge.Status
	EventsConnected bool `json:"events_connected"`
	WebchatClients  int  `json:"webchat_clients"`
}

// Status reports in-flight prompts and pending interactions.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:          h.bridge.Status(),
		EventsConnected: h.eventsConnected.Load(),
	}
	if h.clients != nil {
		resp.WebchatClients = h.clients.Count()
	}
	JSON(w, http.StatusOK, resp)
}

// Sessions lists the session ownership index.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	records, err := h.repo.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if records == nil {
		records = []domain.SessionRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": records})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
