package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lioratech/bloom/internal/analysis"
	"github.com/lioratech/bloom/internal/blob"
	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/models"
)

// QuestionnaireStore is the persistence surface of the questionnaire
// machine.
type QuestionnaireStore interface {
	InsertSession(*models.Session) error
	UpdateSessionState(id string, state models.SessionState, failure string) error
	SaveResult(id string, res *models.Result) error
}

// analyzeConcurrency bounds the analysis fan-out inside one finalize.
const analyzeConcurrency = 4

// questionnaireSession is the in-memory working state of one session. All
// transitions happen under mu, so concurrent submits and finalizes against
// the same session are serialized without a global lock.
type questionnaireSession struct {
	mu        sync.Mutex
	id        string
	subject   models.Subject
	questions []models.Question
	state     models.SessionState
	createdAt time.Time
	result    *models.Result
	failure   string
}

// QuestionnaireService drives the mixed text/audio flow:
// collecting -> finalizing -> ready, with failed terminal from any state.
type QuestionnaireService struct {
	store     QuestionnaireStore
	responses *ResponseStore
	blobs     blob.Store
	analyzer  analysis.Client
	narrative *Narrative
	scoring   config.Scoring

	now   func() time.Time
	idGen func() string

	mu       sync.RWMutex
	sessions map[string]*questionnaireSession
	finalize sync.WaitGroup
}

func NewQuestionnaireService(store QuestionnaireStore, responses *ResponseStore, blobs blob.Store, analyzer analysis.Client, narrative *Narrative, scoring config.Scoring) *QuestionnaireService {
	s := &QuestionnaireService{
		store:     store,
		responses: responses,
		blobs:     blobs,
		analyzer:  analyzer,
		narrative: narrative,
		scoring:   scoring,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		sessions:  map[string]*questionnaireSession{},
	}
	responses.Bind(s)
	return s
}

// ResultStatus is the tri-state poll answer: processing, ready (with the
// result), or failed (with the recorded cause).
type ResultStatus struct {
	State   models.SessionState
	Result  *models.Result
	Failure string
}

// Start creates a session in the collecting state with the given question
// sequence. The sequence is immutable afterwards.
func (s *QuestionnaireService) Start(subject models.Subject, questions []models.Question) (*models.Session, error) {
	if len(questions) == 0 {
		return nil, NewInvalidError("question list must not be empty")
	}
	for i := range questions {
		questions[i].Index = i
		if questions[i].Modality != models.ModalityText && questions[i].Modality != models.ModalityAudio {
			return nil, NewInvalidError(fmt.Sprintf("question %d has unknown modality %q", i, questions[i].Modality))
		}
	}

	sess := &models.Session{
		ID:        s.idGen(),
		SubjectID: subject.ID,
		Kind:      models.KindQuestionnaire,
		State:     models.StateCollecting,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertSession(sess); err != nil {
		return nil, NewInternalError("create session: " + err.Error())
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &questionnaireSession{
		id:        sess.ID,
		subject:   subject,
		questions: questions,
		state:     models.StateCollecting,
		createdAt: sess.CreatedAt,
	}
	s.mu.Unlock()

	log.Info().Str("session_id", sess.ID).Int("questions", len(questions)).Msg("questionnaire session started")
	return sess, nil
}

// SubmitAnswer stores one answer. Valid only while collecting; resubmission
// for an index overwrites, and answers may arrive out of order.
func (s *QuestionnaireService) SubmitAnswer(sessionID string, r *models.Response, audio []byte) error {
	qs := s.session(sessionID)
	if qs == nil {
		return NewNotFoundError("unknown session")
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.state != models.StateCollecting {
		return NewInvalidStateError("session is not collecting answers")
	}
	r.SubmittedAt = s.now()
	return s.responses.Put(sessionID, r, audio)
}

// Finalize closes submission and transitions to finalizing synchronously;
// scoring runs on a background goroutine and the result becomes visible via
// GetResult once the session reaches ready.
func (s *QuestionnaireService) Finalize(sessionID string) error {
	qs := s.session(sessionID)
	if qs == nil {
		return NewNotFoundError("unknown session")
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.state != models.StateCollecting {
		return NewInvalidStateError("session is not collecting; finalize already requested or completed")
	}
	if err := s.store.UpdateSessionState(sessionID, models.StateFinalizing, ""); err != nil {
		qs.state = models.StateFailed
		qs.failure = "persist state transition: " + err.Error()
		return NewInternalError(qs.failure)
	}
	qs.state = models.StateFinalizing

	s.finalize.Add(1)
	go func() {
		defer s.finalize.Done()
		s.runFinalize(context.Background(), qs)
	}()
	return nil
}

// GetResult is the polling contract: a pure read, safe to call repeatedly.
func (s *QuestionnaireService) GetResult(sessionID string) (*ResultStatus, error) {
	qs := s.session(sessionID)
	if qs == nil {
		return nil, NewNotFoundError("unknown session")
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return &ResultStatus{State: qs.state, Result: qs.result, Failure: qs.failure}, nil
}

// Has reports whether this machine owns the session id.
func (s *QuestionnaireService) Has(sessionID string) bool { return s.session(sessionID) != nil }

// WaitIdle blocks until all background finalizations have completed. Test
// hook; production callers poll GetResult instead.
func (s *QuestionnaireService) WaitIdle() { s.finalize.Wait() }

func (s *QuestionnaireService) session(id string) *questionnaireSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// QuestionLookup implementation for the response store.

func (s *QuestionnaireService) Question(sessionID string, index int) (models.Question, bool) {
	qs := s.session(sessionID)
	if qs == nil || index < 0 || index >= len(qs.questions) {
		return models.Question{}, false
	}
	return qs.questions[index], true
}

func (s *QuestionnaireService) Collecting(sessionID string) bool {
	qs := s.session(sessionID)
	// Callers hold the session lock during submission; this is the store's
	// own guard for direct use.
	return qs != nil && qs.state == models.StateCollecting
}

func (s *QuestionnaireService) KnownSession(sessionID string) bool {
	return s.session(sessionID) != nil
}

// runFinalize scores every question, aggregates, persists the result and
// flips the session to ready. Analysis runs concurrently per question but
// the breakdown is assembled in strict index order. Backend unavailability
// degrades the one item; only storage faults fail the session.
func (s *QuestionnaireService) runFinalize(ctx context.Context, qs *questionnaireSession) {
	items := make([]models.ScoredItem, len(qs.questions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(analyzeConcurrency)
	for i := range qs.questions {
		g.Go(func() error {
			item, err := s.scoreQuestion(gctx, qs, qs.questions[i])
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.markFailed(qs, err)
		return
	}

	mean, scored := MeanScore(items)
	category, summary, analysisText := s.narrative.Aggregate(
		ctx, masterTranscript(items), qs.subject.Age, mean, !scored)

	result := &models.Result{
		Category:  category,
		Summary:   summary,
		Analysis:  analysisText,
		Breakdown: items,
	}
	if scored {
		m := mean
		result.MeanScore = &m
	}

	if err := s.store.SaveResult(qs.id, result); err != nil {
		s.markFailed(qs, fmt.Errorf("persist result: %w", err))
		return
	}

	qs.mu.Lock()
	qs.result = result
	qs.state = models.StateReady
	qs.mu.Unlock()
	s.responses.Release(qs.id)

	log.Info().
		Str("session_id", qs.id).
		Str("category", category).
		Int("items", len(items)).
		Msg("questionnaire finalized")
}

// scoreQuestion analyzes one response and scores it. A missing response or
// an unavailable backend yields a degraded item, never an error; errors are
// reserved for storage faults that must fail the whole session.
func (s *QuestionnaireService) scoreQuestion(ctx context.Context, qs *questionnaireSession, q models.Question) (models.ScoredItem, error) {
	degraded := func(feedback string) models.ScoredItem {
		return models.ScoredItem{
			QuestionIndex: q.Index,
			Question:      q.Text,
			Feedback:      feedback,
			Degraded:      true,
		}
	}

	resp, ok := s.responses.Get(qs.id, q.Index)
	if !ok {
		return degraded("no response submitted"), nil
	}

	var (
		res *models.AnalysisResult
		err error
	)
	switch q.Modality {
	case models.ModalityAudio:
		var data []byte
		data, err = s.blobs.Get(resp.AudioPath)
		if err != nil {
			// The blob was written at submission; losing it is corruption.
			return models.ScoredItem{}, fmt.Errorf("question %d: %w", q.Index, err)
		}
		res, err = s.analyzer.AnalyzeAudio(ctx, data, resp.AudioMediaType)
	default:
		res, err = s.analyzer.AnalyzeText(ctx, resp.Text)
	}
	if err != nil {
		if !errors.Is(err, analysis.ErrUnavailable) {
			log.Warn().Str("session_id", qs.id).Int("question_index", q.Index).Err(err).
				Msg("analysis failed, degrading item")
		}
		return degraded(DegradedFeedback), nil
	}

	item := ScoreItem(res, q.Modality, s.scoring)
	item.QuestionIndex = q.Index
	item.Question = q.Text
	if item.Transcript == "" && resp.Text != "" {
		item.Transcript = resp.Text
	}
	item.Feedback = s.narrative.ItemFeedback(ctx, q.Text, item)
	return item, nil
}

func (s *QuestionnaireService) markFailed(qs *questionnaireSession, cause error) {
	if err := s.store.UpdateSessionState(qs.id, models.StateFailed, cause.Error()); err != nil {
		log.Error().Str("session_id", qs.id).Err(err).Msg("could not persist failed state")
	}
	qs.mu.Lock()
	qs.state = models.StateFailed
	qs.failure = cause.Error()
	qs.mu.Unlock()
	log.Error().Str("session_id", qs.id).Err(cause).Msg("questionnaire finalization failed")
}

// masterTranscript compiles the per-item outcomes into the aggregate
// narrative prompt input.
func masterTranscript(items []models.ScoredItem) string {
	var b strings.Builder
	for i, it := range items {
		score := "n/a"
		if it.Score != nil {
			score = fmt.Sprintf("%d", *it.Score)
		}
		fmt.Fprintf(&b, "Q%d: %s\nResponse: %s\nScore: %s\nNotes: %s\n\n",
			i+1, it.Question, it.Transcript, score, it.Feedback)
	}
	return b.String()
}
