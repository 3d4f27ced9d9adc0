// Package conversation tracks per-session intake state and escalation policy.
package conversation

import (
	"time"

	"github.com/ashureev/farm-intake/internal/domain"
)

// MaxHistory bounds the turns retained per session.
const MaxHistory = 20

// Escalation thresholds.
const (
	directAfterMessages   = 10
	redirectAfterOffTopic = 2
	progressAfterMessages = 5
)

// Guidance is the conversational directive handed to the extraction engine.
type Guidance string

const (
	// GuidanceEmergency suspends registration in favour of immediate help.
	GuidanceEmergency Guidance = "emergency"
	// GuidanceDirect demands the missing fields directly.
	GuidanceDirect Guidance = "direct"
	// GuidanceRedirect firmly steers the farmer back to registration.
	GuidanceRedirect Guidance = "redirect"
	// GuidanceProgress nudges the conversation towards completion.
	GuidanceProgress Guidance = "progress"
	// GuidanceContinue lets the conversation flow naturally.
	GuidanceContinue Guidance = "continue"
)

// Directive returns the prompt instruction for g.
func (g Guidance) Directive() string {
	switch g {
	case GuidanceEmergency:
		return "The farmer reported an emergency. Help with the emergency first and do not ask registration questions."
	case GuidanceDirect:
		return "The conversation is running long. Be direct and ask for the missing fields explicitly."
	case GuidanceRedirect:
		return "The farmer keeps going off topic. Firmly but politely redirect them to finishing registration."
	case GuidanceProgress:
		return "Make progress: ask for the next missing field after answering briefly."
	default:
		return "Continue the conversation naturally and collect missing fields when it fits."
	}
}

// Session is the mutable state of one conversation.
// Callers obtain it through Store.Acquire and must not retain it after release.
type Session struct {
	ID                string
	MessageCount      int
	OffTopicCount     int
	Urgent            bool
	LastRedirectCount int

	Profile      domain.Profile
	History      []domain.Turn
	Language     string
	FarmerID     string
	Registered   bool
	CreatedAt    time.Time
	LastActivity time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Profile:      domain.Profile{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// RecordMessage counts an inbound farmer message.
func (s *Session) RecordMessage() {
	s.MessageCount++
}

// RecordOffTopic counts a message unrelated to the required fields.
func (s *Session) RecordOffTopic() {
	s.OffTopicCount++
}

// DetectUrgency scans message for emergency vocabulary. Once set the flag
// stays set until ResolveUrgency is called.
func (s *Session) DetectUrgency(message string) bool {
	if !s.Urgent && ContainsUrgency(message) {
		s.Urgent = true
	}
	return s.Urgent
}

// ResolveUrgency clears the emergency flag.
func (s *Session) ResolveUrgency() {
	s.Urgent = false
}

// ComputeGuidance selects the directive for the next reply.
func (s *Session) ComputeGuidance() Guidance {
	switch {
	case s.Urgent:
		return GuidanceEmergency
	case s.MessageCount > directAfterMessages:
		return GuidanceDirect
	case s.OffTopicCount > redirectAfterOffTopic:
		return GuidanceRedirect
	case s.MessageCount > progressAfterMessages:
		return GuidanceProgress
	default:
		return GuidanceContinue
	}
}

// MarkRedirect records that a redirect was issued at the current off-topic count.
func (s *Session) MarkRedirect() {
	s.LastRedirectCount = s.OffTopicCount
}

// RedirectRepeated reports whether a redirect was already issued at the
// current off-topic count.
func (s *Session) RedirectRepeated() bool {
	return s.LastRedirectCount > 0 && s.LastRedirectCount == s.OffTopicCount
}

// AppendTurn adds a turn, keeping at most MaxHistory entries.
func (s *Session) AppendTurn(role domain.Role, content string, at time.Time) {
	s.History = append(s.History, domain.Turn{Role: role, Content: content, Timestamp: at})
	if over := len(s.History) - MaxHistory; over > 0 {
		s.History = append([]domain.Turn(nil), s.History[over:]...)
	}
}

// Snapshot returns a copy safe to use after the session is released.
func (s *Session) Snapshot() Session {
	cp := *s
	cp.Profile = s.Profile.Clone()
	cp.History = append([]domain.Turn(nil), s.History...)
	return cp
}
