package chat

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/farm-intake/internal/agent"
	"github.com/ashureev/farm-intake/internal/config"
	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/extraction"
	"github.com/ashureev/farm-intake/internal/identity"
)

type fakeService struct {
	mu       sync.Mutex
	received []agent.Inbound
	outcome  *agent.Outcome
	err      error
}

func (f *fakeService) HandleMessage(_ context.Context, in agent.Inbound) (*agent.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, in)
	return f.outcome, f.err
}

func (f *fakeService) inbound() []agent.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Inbound(nil), f.received...)
}

type frame struct {
	Type                 string            `json:"type"`
	Content              string            `json:"content"`
	Index                int               `json:"index"`
	Final                bool              `json:"final"`
	TurnID               string            `json:"turn_id"`
	ExtractedData        map[string]string `json:"extracted_data"`
	RegistrationComplete bool              `json:"registration_complete"`
	MissingFields        []string          `json:"missing_fields"`
}

func dialChat(t *testing.T, svc MessageHandler, limiter *agent.RateLimiter) (*websocket.Conn, *SessionManager) {
	t.Helper()
	sm := NewSessionManager()
	h := NewWebSocketHandler(svc, sm, NewPacer(config.DeliveryConfig{}, nil), limiter, "*", true)
	srv := httptest.NewServer(identity.Middleware(true)(h))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?session_id=tab-1&farmer_id=7"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, sm
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestChatStreamsChunksThenOutcome(t *testing.T) {
	svc := &fakeService{outcome: &agent.Outcome{
		Response:      []string{"Nice to meet you, Ana!", "What is your last name?"},
		ExtractedData: domain.Profile{domain.FieldFirstName: "Ana"},
		MissingFields: []string{domain.FieldLastName},
		TurnID:        "turn-1",
	}}
	conn, sm := dialChat(t, svc, nil)

	send(t, conn, map[string]string{"type": "message", "content": "I'm Ana"})

	first := readFrame(t, conn)
	assert.Equal(t, "chunk", first.Type)
	assert.Equal(t, 0, first.Index)
	assert.False(t, first.Final)
	assert.Equal(t, "Nice to meet you, Ana!", first.Content)

	second := readFrame(t, conn)
	assert.Equal(t, 1, second.Index)
	assert.True(t, second.Final)

	outcome := readFrame(t, conn)
	assert.Equal(t, "outcome", outcome.Type)
	assert.Equal(t, "turn-1", outcome.TurnID)
	assert.Equal(t, "Ana", outcome.ExtractedData[domain.FieldFirstName])
	assert.Equal(t, []string{domain.FieldLastName}, outcome.MissingFields)

	received := svc.inbound()
	require.Len(t, received, 1)
	assert.Equal(t, "I'm Ana", received[0].Message)
	assert.Equal(t, "7", received[0].FarmerID)
	assert.Equal(t, agent.ChannelWebSocket, received[0].Channel)
	assert.True(t, strings.HasSuffix(received[0].SessionID, ":tab-1"))
	assert.Equal(t, 1, sm.Count())
}

func TestChatConfigurationErrorIsGeneric(t *testing.T) {
	svc := &fakeService{err: &extraction.ConfigurationError{Provider: "openrouter", Err: assert.AnError}}
	conn, _ := dialChat(t, svc, nil)

	send(t, conn, map[string]string{"type": "message", "content": "hello"})

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "assistant is temporarily unavailable", f.Content)
}

func TestChatPingAndUnknownFrames(t *testing.T) {
	conn, _ := dialChat(t, &fakeService{}, nil)

	send(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, conn).Type)

	send(t, conn, map[string]string{"type": "resize"})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "unknown frame type", f.Content)
}

func TestChatRateLimited(t *testing.T) {
	limiter := agent.NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	svc := &fakeService{outcome: &agent.Outcome{Response: []string{"ok"}}}
	conn, _ := dialChat(t, svc, limiter)

	send(t, conn, map[string]string{"type": "message", "content": "one"})
	assert.Equal(t, "chunk", readFrame(t, conn).Type)
	assert.Equal(t, "outcome", readFrame(t, conn).Type)

	send(t, conn, map[string]string{"type": "message", "content": "two"})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "rate limit exceeded", f.Content)
	assert.Len(t, svc.inbound(), 1)
}

func TestChatCloseAll(t *testing.T) {
	conn, sm := dialChat(t, &fakeService{}, nil)

	send(t, conn, map[string]string{"type": "ping"})
	readFrame(t, conn)
	sm.CloseAll("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
