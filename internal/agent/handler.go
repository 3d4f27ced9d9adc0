package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/farm-intake/internal/api"
	"github.com/ashureev/farm-intake/internal/extraction"
	"github.com/ashureev/farm-intake/internal/identity"
)

// defaultMaxRequestBodySize is the maximum accepted request body (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the intake HTTP endpoints.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
}

// NewHandler creates a Handler. A nil limiter disables rate limiting.
func NewHandler(svc *Service, limiter *RateLimiter) *Handler {
	return &Handler{agent: svc, rateLimiter: limiter}
}

// RateLimiter implements a sliding-window limiter keyed by caller identity.
// Callers are keyed by farmer or client, not by session, so rotating
// session ids does not bypass throttling.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its eviction goroutine.
// Call Stop to release it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := fresh(r.requests[key], now.Add(-r.window))
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Stop terminates the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// startEviction periodically drops keys with no requests inside the window.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for key, times := range r.requests {
		if recent := fresh(times, cutoff); len(recent) > 0 {
			r.requests[key] = recent
		} else {
			delete(r.requests, key)
		}
	}
}

func fresh(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

type messageRequest struct {
	Message             string         `json:"message"`
	SessionID           string         `json:"session_id"`
	FarmerID            string         `json:"farmer_id"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

// RegisterRoutes registers the intake routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/intake", func(r chi.Router) {
		r.Post("/message", h.HandleMessage)
		r.Get("/sessions/{id}", h.HandleSession)
		r.Post("/sessions/{id}/resolve", h.HandleResolve)
	})
}

// HandleMessage handles POST /api/intake/message.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	clientID := identity.ClientIDFromContext(ctx)
	farmerID := req.FarmerID
	if farmerID == "" {
		farmerID = identity.FarmerIDFromContext(ctx)
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = identity.SessionKey(ctx)
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(RateKey(farmerID, clientID, sessionID)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	slog.Info("Intake message",
		"session_id", sessionID,
		"farmer_id", farmerID,
		"request_id", chiMiddleware.GetReqID(ctx),
		"message_length", len(req.Message),
	)

	out, err := h.agent.HandleMessage(ctx, Inbound{
		Message:   req.Message,
		SessionID: sessionID,
		FarmerID:  farmerID,
		ClientID:  clientID,
		Channel:   ChannelHTTP,
		History:   req.ConversationHistory,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, out)
}

// HandleSession handles GET /api/intake/sessions/{id}.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.agent.Session(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, state)
}

// HandleResolve handles POST /api/intake/sessions/{id}/resolve.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agent.ResolveUrgency(id); err != nil {
		WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"session_id": id, "urgent": false})
}

// WriteError maps service errors to JSON error responses. Configuration
// problems surface as 503 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	var cfgErr *extraction.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		api.Error(w, http.StatusServiceUnavailable, "assistant is temporarily unavailable")
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMissingSession):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		api.Error(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("Intake request failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// RateKey selects the rate limit key for a caller, preferring the most
// stable identity available.
func RateKey(farmerID, clientID, sessionID string) string {
	switch {
	case farmerID != "":
		return "farmer:" + farmerID
	case clientID != "":
		return "client:" + clientID
	default:
		return "session:" + sessionID
	}
}
