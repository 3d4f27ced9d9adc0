// Package identity resolves per-device client identity, the conversation
// session and an optional farmer id for each request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	ClientCookieName      = "intake_client_id"
	SessionHeaderName     = "X-Intake-Session-ID"
	FarmerHeaderName      = "X-Farmer-ID"
	DefaultSessionIDValue = "default"
	clientCookieMaxAge    = 30 * 24 * time.Hour
)

type contextKey int

const (
	clientIDKey contextKey = iota
	sessionIDKey
	farmerIDKey
)

var (
	clientIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	farmerIDPattern  = regexp.MustCompile(`^[0-9]{1,18}$`)
)

// ClientIDFromContext extracts the per-device client id from the request context.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session id from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// FarmerIDFromContext extracts the farmer id, empty when unknown.
func FarmerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(farmerIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionKey scopes the tab session id to its client so two devices using
// the same tab id never share a conversation.
func SessionKey(ctx context.Context) string {
	client := ClientIDFromContext(ctx)
	if client == "" {
		return SessionIDFromContext(ctx)
	}
	return client + ":" + SessionIDFromContext(ctx)
}

// WithIdentity returns a context carrying the given identity values.
func WithIdentity(ctx context.Context, clientID, sessionID, farmerID string) context.Context {
	ctx = context.WithValue(ctx, clientIDKey, clientID)
	ctx = context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
	return context.WithValue(ctx, farmerIDKey, sanitizeFarmerID(farmerID))
}

func generateClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func sanitizeFarmerID(id string) string {
	id = strings.TrimSpace(id)
	if !farmerIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func setClientCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(clientCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateClientID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(ClientCookieName); err == nil && isValidClientID(c.Value) {
		setClientCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateClientID()
	if err != nil {
		return "", err
	}
	setClientCookie(w, id, isDev)
	return id, nil
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

// Middleware injects the client id, session id and farmer id into the request context.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := getOrCreateClientID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish client identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithIdentity(r.Context(),
				clientID,
				headerOrQuery(r, SessionHeaderName, "session_id"),
				headerOrQuery(r, FarmerHeaderName, "farmer_id"),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
