package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/farm-intake/internal/agent"
	"github.com/ashureev/farm-intake/internal/extraction"
	"github.com/ashureev/farm-intake/internal/identity"
)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 64 << 10
)

// MessageHandler processes one inbound chat message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, in agent.Inbound) (*agent.Outcome, error)
}

// WebSocketHandler serves the chat WebSocket.
type WebSocketHandler struct {
	svc           MessageHandler
	sm            *SessionManager
	pacer         *Pacer
	limiter       *agent.RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler. limiter may be nil.
func NewWebSocketHandler(svc MessageHandler, sm *SessionManager, pacer *Pacer, limiter *agent.RateLimiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		sm:            sm,
		pacer:         pacer,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// inboundFrame is a client to server frame.
type inboundFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	FarmerID string `json:"farmer_id,omitempty"`
}

// chunkFrame carries one reply chunk.
type chunkFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Index   int    `json:"index"`
	Final   bool   `json:"final"`
}

// outcomeFrame closes a turn with the registration state.
type outcomeFrame struct {
	Type                 string            `json:"type"`
	TurnID               string            `json:"turn_id"`
	ExtractedData        map[string]string `json:"extracted_data"`
	RegistrationComplete bool              `json:"registration_complete"`
	MissingFields        []string          `json:"missing_fields"`
	LanguageDetected     string            `json:"language_detected"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Chat connection request", "client_id", clientID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()
	ws.SetReadLimit(maxMessageBytes)

	h.sm.Register(clientID, sessionID, ws)
	defer h.sm.Unregister(clientID, sessionID, ws)

	h.readLoop(r.Context(), ws, clientID, sessionID, identity.SessionKey(r.Context()), identity.FarmerIDFromContext(r.Context()))
	slog.Info("Chat session ended", "client_id", clientID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop handles frames one at a time, so a tab's turns are delivered in order.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, clientID, sessionID, sessionKey, farmerID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "client_id", clientID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if err := h.writeJSON(ctx, ws, errorFrame{Type: "error", Content: "invalid frame"}); err != nil {
				return
			}
			continue
		}

		switch frame.Type {
		case "message":
			if frame.FarmerID != "" {
				farmerID = frame.FarmerID
			}
			if err := h.handleMessage(ctx, ws, agent.Inbound{
				Message:   frame.Content,
				SessionID: sessionKey,
				FarmerID:  farmerID,
				ClientID:  clientID,
				Channel:   agent.ChannelWebSocket,
			}); err != nil {
				slog.Debug("Chat delivery stopped", "error", err, "client_id", clientID, "session_id", sessionID)
				return
			}
		case "ping":
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		default:
			if err := h.writeJSON(ctx, ws, errorFrame{Type: "error", Content: "unknown frame type"}); err != nil {
				return
			}
		}
	}
}

// handleMessage runs one turn and streams its chunks. A returned error means
// the connection is no longer writable.
func (h *WebSocketHandler) handleMessage(ctx context.Context, ws *websocket.Conn, in agent.Inbound) error {
	if h.limiter != nil && !h.limiter.Allow(agent.RateKey(in.FarmerID, in.ClientID, in.SessionID)) {
		return h.writeJSON(ctx, ws, errorFrame{Type: "error", Content: "rate limit exceeded"})
	}

	out, err := h.svc.HandleMessage(ctx, in)
	if err != nil {
		return h.writeJSON(ctx, ws, errorFrame{Type: "error", Content: clientMessage(err)})
	}

	for i, chunk := range out.Response {
		if err := h.pacer.Wait(ctx, h.pacer.Delay(chunk, i)); err != nil {
			return err
		}
		if err := h.writeJSON(ctx, ws, chunkFrame{
			Type:    "chunk",
			Content: chunk,
			Index:   i,
			Final:   i == len(out.Response)-1,
		}); err != nil {
			return err
		}
	}

	return h.writeJSON(ctx, ws, outcomeFrame{
		Type:                 "outcome",
		TurnID:               out.TurnID,
		ExtractedData:        out.ExtractedData,
		RegistrationComplete: out.RegistrationComplete,
		MissingFields:        out.MissingFields,
		LanguageDetected:     out.LanguageDetected,
	})
}

func clientMessage(err error) string {
	var cfgErr *extraction.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return "assistant is temporarily unavailable"
	case errors.Is(err, agent.ErrEmptyMessage), errors.Is(err, agent.ErrMissingSession):
		return err.Error()
	default:
		slog.Error("Chat turn failed", "error", err)
		return "internal error"
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
