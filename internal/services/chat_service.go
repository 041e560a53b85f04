package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lioratech/bloom/internal/models"
)

// ChatStore is the persistence surface of the chat machine.
type ChatStore interface {
	InsertSession(*models.Session) error
	UpdateSessionState(id string, state models.SessionState, failure string) error
	SaveResult(id string, res *models.Result) error
	AppendChatTurn(sessionID string, t models.ChatTurn) error
	RecentOutcomes(subjectID, excludeSessionID string, limit int) ([]*models.SessionSummary, error)
}

// trendWindow is how many prior completed sessions frame the chat analysis.
const trendWindow = 3

// chatSession is the in-memory working state of one chat session. turns is
// append-only with strictly increasing indexes.
type chatSession struct {
	mu        sync.Mutex
	id        string
	subjectID string
	turns     []models.ChatTurn
	state     models.SessionState
	result    *models.Result
	failure   string
}

func (cs *chatSession) respondentTurns() int {
	n := 0
	for _, t := range cs.turns {
		if t.Role == models.RoleRespondent {
			n++
		}
	}
	return n
}

// ChatService drives the turn-based Likert flow:
// in_progress -> finalizing -> ready, failed terminal from any state.
// Termination is exact: the fixed respondent-turn maximum always ends the
// conversation, never sentiment or length heuristics.
type ChatService struct {
	store     ChatStore
	narrative *Narrative
	maxTurns  int

	now   func() time.Time
	idGen func() string

	mu       sync.RWMutex
	sessions map[string]*chatSession
	analyze  sync.WaitGroup
}

func NewChatService(store ChatStore, narrative *Narrative, maxRespondentTurns int) *ChatService {
	if maxRespondentTurns <= 0 {
		maxRespondentTurns = 8
	}
	return &ChatService{
		store:     store,
		narrative: narrative,
		maxTurns:  maxRespondentTurns,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		sessions:  map[string]*chatSession{},
	}
}

// ChatReply is the answer to one respond call.
type ChatReply struct {
	Done       bool   `json:"done"`
	NextPrompt string `json:"next_prompt,omitempty"`
}

// Start creates a chat session in in_progress and appends turn 0, the bot's
// opening prompt.
func (s *ChatService) Start(subjectID string) (*models.Session, string, error) {
	sess := &models.Session{
		ID:        s.idGen(),
		SubjectID: subjectID,
		Kind:      models.KindChat,
		State:     models.StateInProgress,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertSession(sess); err != nil {
		return nil, "", NewInternalError("create session: " + err.Error())
	}
	opening := models.ChatTurn{TurnIndex: 0, Role: models.RoleBot, Content: OpeningPrompt}
	if err := s.store.AppendChatTurn(sess.ID, opening); err != nil {
		return nil, "", NewInternalError("persist opening turn: " + err.Error())
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &chatSession{
		id:        sess.ID,
		subjectID: subjectID,
		turns:     []models.ChatTurn{opening},
		state:     models.StateInProgress,
	}
	s.mu.Unlock()

	log.Info().Str("session_id", sess.ID).Msg("chat session started")
	return sess, OpeningPrompt, nil
}

// Respond appends the respondent's answer. When the fixed respondent-turn
// maximum is reached the session transitions to finalizing and analysis
// runs in the background; otherwise the next bot prompt is appended and
// returned.
func (s *ChatService) Respond(ctx context.Context, sessionID, answer string) (*ChatReply, error) {
	if answer == "" {
		return nil, NewInvalidError("answer must not be empty")
	}
	cs := s.session(sessionID)
	if cs == nil {
		return nil, NewNotFoundError("unknown session")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state != models.StateInProgress {
		return nil, NewInvalidStateError("chat session is not accepting answers")
	}

	if err := s.appendTurn(cs, models.RoleRespondent, answer); err != nil {
		return nil, err
	}

	if cs.respondentTurns() >= s.maxTurns {
		if err := s.store.UpdateSessionState(cs.id, models.StateFinalizing, ""); err != nil {
			cs.state = models.StateFailed
			cs.failure = "persist state transition: " + err.Error()
			return nil, NewInternalError(cs.failure)
		}
		cs.state = models.StateFinalizing
		turns := append([]models.ChatTurn(nil), cs.turns...)

		s.analyze.Add(1)
		go func() {
			defer s.analyze.Done()
			s.runAnalysis(context.Background(), cs, turns)
		}()
		return &ChatReply{Done: true}, nil
	}

	next := s.narrative.NextPrompt(ctx, cs.turns)
	if err := s.appendTurn(cs, models.RoleBot, next); err != nil {
		return nil, err
	}
	return &ChatReply{Done: false, NextPrompt: next}, nil
}

// Turns returns a copy of the append-only turn log.
func (s *ChatService) Turns(sessionID string) ([]models.ChatTurn, error) {
	cs := s.session(sessionID)
	if cs == nil {
		return nil, NewNotFoundError("unknown session")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]models.ChatTurn(nil), cs.turns...), nil
}

// GetResult is the same tri-state polling contract as the questionnaire.
func (s *ChatService) GetResult(sessionID string) (*ResultStatus, error) {
	cs := s.session(sessionID)
	if cs == nil {
		return nil, NewNotFoundError("unknown session")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return &ResultStatus{State: cs.state, Result: cs.result, Failure: cs.failure}, nil
}

// Has reports whether this machine owns the session id.
func (s *ChatService) Has(sessionID string) bool { return s.session(sessionID) != nil }

// WaitIdle blocks until background chat analyses finish. Test hook.
func (s *ChatService) WaitIdle() { s.analyze.Wait() }

func (s *ChatService) session(id string) *chatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// appendTurn persists and records one turn. Callers hold cs.mu.
func (s *ChatService) appendTurn(cs *chatSession, role, content string) error {
	t := models.ChatTurn{TurnIndex: len(cs.turns), Role: role, Content: content}
	if err := s.store.AppendChatTurn(cs.id, t); err != nil {
		return NewInternalError("persist turn: " + err.Error())
	}
	cs.turns = append(cs.turns, t)
	return nil
}

// runAnalysis produces the chat outcome. Trend lookup failures degrade to
// no framing; only result persistence failures fail the session.
func (s *ChatService) runAnalysis(ctx context.Context, cs *chatSession, turns []models.ChatTurn) {
	prior, err := s.store.RecentOutcomes(cs.subjectID, cs.id, trendWindow)
	if err != nil {
		log.Warn().Str("session_id", cs.id).Err(err).Msg("trend lookup failed, analyzing without history")
		prior = nil
	}

	category, summary, analysisText := s.narrative.ChatSummary(ctx, turns, prior)
	result := &models.Result{
		Category: category,
		Summary:  summary,
		Analysis: analysisText,
		Turns:    turns,
	}

	if err := s.store.SaveResult(cs.id, result); err != nil {
		if perr := s.store.UpdateSessionState(cs.id, models.StateFailed, err.Error()); perr != nil {
			log.Error().Str("session_id", cs.id).Err(perr).Msg("could not persist failed state")
		}
		cs.mu.Lock()
		cs.state = models.StateFailed
		cs.failure = "persist result: " + err.Error()
		cs.mu.Unlock()
		log.Error().Str("session_id", cs.id).Err(err).Msg("chat analysis failed")
		return
	}

	cs.mu.Lock()
	cs.result = result
	cs.state = models.StateReady
	cs.mu.Unlock()

	log.Info().Str("session_id", cs.id).Str("category", category).Msg("chat session finalized")
}
