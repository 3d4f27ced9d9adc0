// Package agent implements the farmer intake assistant: the service that
// drives one conversation turn through the pipeline, and its HTTP surface.
package agent

import (
	"errors"

	"github.com/ashureev/farm-intake/internal/domain"
)

var (
	// ErrMissingSession is returned when a message carries no session identity.
	ErrMissingSession = errors.New("session id is required")
	// ErrEmptyMessage is returned for blank messages.
	ErrEmptyMessage = errors.New("message is required")
	// ErrSessionNotFound is returned when a session id has no live state.
	ErrSessionNotFound = errors.New("session not found")
)

// HistoryEntry is one prior message supplied by the caller.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Inbound is a single farmer message to process.
type Inbound struct {
	Message   string
	SessionID string
	FarmerID  string
	ClientID  string
	Channel   string
	History   []HistoryEntry
}

// Outcome is the result of one processed message.
type Outcome struct {
	Response             []string       `json:"response"`
	ExtractedData        domain.Profile `json:"extracted_data"`
	RegistrationComplete bool           `json:"registration_complete"`
	MissingFields        []string       `json:"missing_fields"`
	LanguageDetected     string         `json:"language_detected"`
	SessionID            string         `json:"session_id"`
	TurnID               string         `json:"turn_id"`
	Guidance             string         `json:"guidance"`
	Urgent               bool           `json:"urgent"`
}

// SessionState is the externally visible view of a conversation.
type SessionState struct {
	SessionID     string         `json:"session_id"`
	FarmerID      string         `json:"farmer_id,omitempty"`
	MessageCount  int            `json:"message_count"`
	OffTopicCount int            `json:"off_topic_count"`
	Urgent        bool           `json:"urgent"`
	Profile       domain.Profile `json:"profile"`
	MissingFields []string       `json:"missing_fields"`
	Progress      int            `json:"progress"`
	Language      string         `json:"language,omitempty"`
	Registered    bool           `json:"registered"`
	Turns         int            `json:"turns"`
}

// Conversation log channels.
const (
	ChannelHTTP      = "intake_http"
	ChannelWebSocket = "intake_ws"
)
