package agent

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/farm-intake/internal/contextcache"
	"github.com/ashureev/farm-intake/internal/conversation"
	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/extraction"
	"github.com/ashureev/farm-intake/internal/metrics"
)

// Deps are the collaborators of a Service. Context, Metrics, Log and Logger
// are optional.
type Deps struct {
	Sessions      *conversation.Store
	Extractor     Extractor
	Registrations RegistrationSaver
	Formatter     Chunker
	Context       ContextProvider
	Metrics       *metrics.Metrics
	Log           ConversationLogger
	Logger        *slog.Logger
}

// Service runs farmer messages through the intake pipeline.
type Service struct {
	sessions      *conversation.Store
	extractor     Extractor
	registrations RegistrationSaver
	formatter     Chunker
	context       ContextProvider
	metrics       *metrics.Metrics
	log           ConversationLogger
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("agent: session store is required")
	case deps.Extractor == nil:
		return nil, errors.New("agent: extractor is required")
	case deps.Registrations == nil:
		return nil, errors.New("agent: registration store is required")
	case deps.Formatter == nil:
		return nil, errors.New("agent: formatter is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := deps.Log
	if log == nil {
		log = noopConversationLogger{}
	}
	return &Service{
		sessions:      deps.Sessions,
		extractor:     deps.Extractor,
		registrations: deps.Registrations,
		formatter:     deps.Formatter,
		context:       deps.Context,
		metrics:       deps.Metrics,
		log:           log,
		logger:        logger.With("component", "intake"),
		now:           time.Now,
	}, nil
}

// HandleMessage processes one farmer message. Turns of the same session are
// serialized; different sessions run concurrently. The only pipeline error
// returned is *extraction.ConfigurationError.
func (s *Service) HandleMessage(ctx context.Context, in Inbound) (*Outcome, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	sessionID := in.SessionID
	if sessionID == "" && in.FarmerID != "" {
		sessionID = "farmer:" + in.FarmerID
	}
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	sess, release := s.sessions.Acquire(sessionID)
	defer release()

	turnID := uuid.NewString()
	now := s.now()
	if in.FarmerID != "" {
		sess.FarmerID = in.FarmerID
	}
	if len(sess.History) == 0 {
		seedHistory(sess, in.History, now)
	}
	s.logTurn(in, sessionID, turnID, "inbound", "farmer_message", message, nil)

	prevCount, prevUrgent := sess.MessageCount, sess.Urgent
	sess.RecordMessage()
	urgent := sess.DetectUrgency(message)
	guidance := sess.ComputeGuidance()
	redirectRepeated := sess.RedirectRepeated()
	s.metrics.Message(string(guidance))

	res, err := s.extractor.Process(ctx, extraction.Request{
		SessionID:        sessionID,
		Message:          message,
		Profile:          sess.Profile,
		History:          sess.History,
		ContextSummary:   s.contextSummary(ctx, sess.FarmerID),
		Guidance:         guidance,
		Urgent:           urgent,
		RedirectRepeated: redirectRepeated,
		Language:         sess.Language,
	})
	if err != nil {
		// Nothing was answered, so the turn does not count.
		sess.MessageCount, sess.Urgent = prevCount, prevUrgent
		s.logger.Error("intake turn failed", "session_id", sessionID, "turn_id", turnID, "error", err)
		return nil, err
	}

	if guidance == conversation.GuidanceRedirect {
		sess.MarkRedirect()
	}
	if offTopic(res, urgent) {
		sess.RecordOffTopic()
	}

	sess.AppendTurn(domain.RoleFarmer, message, now)
	if !res.Transient {
		sess.Profile = res.Profile
		sess.Language = res.Language
		sess.AppendTurn(domain.RoleAssistant, res.Reply, s.now())
	}

	if res.RegistrationComplete && !sess.Registered {
		s.completeRegistration(ctx, sess)
	}

	chunks := s.formatter.Format(res.Reply)
	s.logTurn(in, sessionID, turnID, "outbound", "assistant_reply", res.Reply, map[string]any{
		"guidance":       string(guidance),
		"stage":          res.Stage,
		"accepted":       res.Accepted,
		"rejected":       res.Rejected,
		"chunks":         len(chunks),
		"registered":     sess.Registered,
		"missing_fields": res.MissingFields,
	})

	s.logger.Info("intake turn processed",
		"session_id", sessionID,
		"turn_id", turnID,
		"guidance", guidance,
		"stage", res.Stage,
		"accepted", len(res.Accepted),
		"missing", len(res.MissingFields),
	)

	return &Outcome{
		Response:             chunks,
		ExtractedData:        sess.Profile.Clone(),
		RegistrationComplete: res.RegistrationComplete,
		MissingFields:        res.MissingFields,
		LanguageDetected:     sess.Language,
		SessionID:            sessionID,
		TurnID:               turnID,
		Guidance:             string(guidance),
		Urgent:               urgent,
	}, nil
}

// ResolveUrgency clears the emergency flag of a live session.
func (s *Service) ResolveUrgency(sessionID string) error {
	sess, release, ok := s.sessions.AcquireExisting(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	defer release()
	sess.ResolveUrgency()
	s.logger.Info("urgency resolved", "session_id", sessionID)
	return nil
}

// Session returns the state of a live session.
func (s *Service) Session(sessionID string) (SessionState, error) {
	sess, ok := s.sessions.Peek(sessionID)
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	return SessionState{
		SessionID:     sess.ID,
		FarmerID:      sess.FarmerID,
		MessageCount:  sess.MessageCount,
		OffTopicCount: sess.OffTopicCount,
		Urgent:        sess.Urgent,
		Profile:       sess.Profile,
		MissingFields: sess.Profile.Missing(),
		Progress:      sess.Profile.Progress(),
		Language:      sess.Language,
		Registered:    sess.Registered,
		Turns:         len(sess.History),
	}, nil
}

// Close flushes the conversation log.
func (s *Service) Close() {
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}

// offTopic reports whether a turn contributed nothing to the registration.
// Validation re-prompts count as on topic.
func offTopic(res *extraction.Result, urgent bool) bool {
	return !res.Transient && !urgent && len(res.Accepted) == 0 && len(res.Rejected) == 0
}

func seedHistory(sess *conversation.Session, history []HistoryEntry, at time.Time) {
	for _, h := range history {
		content := strings.TrimSpace(h.Content)
		if content == "" {
			continue
		}
		role := domain.RoleFarmer
		switch strings.ToLower(h.Role) {
		case "assistant", "bot", "model":
			role = domain.RoleAssistant
		}
		sess.AppendTurn(role, content, at)
	}
}

func (s *Service) contextSummary(ctx context.Context, farmerID string) string {
	if s.context == nil || farmerID == "" {
		return ""
	}
	id, err := strconv.ParseInt(farmerID, 10, 64)
	if err != nil {
		return ""
	}
	pkg, err := s.context.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, contextcache.ErrFarmerNotFound) {
			s.logger.Warn("farmer context unavailable", "farmer_id", farmerID, "error", err)
		}
		return ""
	}
	return pkg.Summary()
}

func (s *Service) completeRegistration(ctx context.Context, sess *conversation.Session) {
	reg := &domain.Registration{
		SessionID: sess.ID,
		FarmerID:  sess.FarmerID,
		Profile:   sess.Profile.Clone(),
		Language:  sess.Language,
		CreatedAt: s.now(),
	}
	if err := s.registrations.SaveRegistration(ctx, reg); err != nil {
		s.logger.Error("failed to save registration, will retry next turn", "session_id", sess.ID, "error", err)
		return
	}
	sess.Registered = true
	s.metrics.RegistrationCompleted()
	s.logger.Info("registration completed", "session_id", sess.ID, "farmer_id", sess.FarmerID)

	if s.context == nil || sess.FarmerID == "" {
		return
	}
	if id, err := strconv.ParseInt(sess.FarmerID, 10, 64); err == nil {
		s.context.Invalidate(ctx, id)
	}
}

func (s *Service) logTurn(in Inbound, sessionID, turnID, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["turn_id"] = turnID
	if in.FarmerID != "" {
		meta["farmer_id"] = in.FarmerID
	}
	userID := in.ClientID
	if userID == "" {
		userID = in.FarmerID
	}
	channel := in.Channel
	if channel == "" {
		channel = ChannelHTTP
	}
	s.log.Log(ConversationLogEvent{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}
