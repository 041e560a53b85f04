package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lioratech/bloom/internal/blob"
	"github.com/lioratech/bloom/internal/models"
)

// QuestionLookup is the view of session metadata the response store needs
// for validation. The questionnaire machine implements it.
type QuestionLookup interface {
	Question(sessionID string, index int) (models.Question, bool)
	Collecting(sessionID string) bool
	KnownSession(sessionID string) bool
}

// ResponseStore accumulates per-question answers while a questionnaire
// session is collecting. A second put for the same (session, index) replaces
// the stored response; audio payloads land in blob storage under a name
// derived from that same key, so retries overwrite rather than accumulate.
type ResponseStore struct {
	mu       sync.RWMutex
	blobs    blob.Store
	lookup   QuestionLookup
	sessions map[string]map[int]*models.Response
}

func NewResponseStore(blobs blob.Store) *ResponseStore {
	return &ResponseStore{
		blobs:    blobs,
		sessions: map[string]map[int]*models.Response{},
	}
}

// Bind wires the session view. Called once during construction; the store
// and the questionnaire machine reference each other.
func (s *ResponseStore) Bind(lookup QuestionLookup) { s.lookup = lookup }

// Put validates and stores one response. audio carries the raw payload for
// audio-modality answers; it is written to blob storage and the stored
// response keeps only the blob path.
func (s *ResponseStore) Put(sessionID string, r *models.Response, audio []byte) error {
	if s.lookup == nil {
		return NewInternalError("response store has no session view")
	}
	if !s.lookup.KnownSession(sessionID) {
		return NewNotFoundError("unknown session")
	}
	if !s.lookup.Collecting(sessionID) {
		return NewInvalidStateError("session is not collecting answers")
	}
	q, ok := s.lookup.Question(sessionID, r.QuestionIndex)
	if !ok {
		return NewInvalidError(fmt.Sprintf("question index %d out of range", r.QuestionIndex))
	}
	if r.Modality != q.Modality {
		return NewInvalidError(fmt.Sprintf("question %d expects %s, got %s", r.QuestionIndex, q.Modality, r.Modality))
	}
	switch r.Modality {
	case models.ModalityAudio:
		if len(audio) == 0 {
			return NewInvalidError("audio payload required")
		}
		path, err := s.blobs.Put(sessionID, r.QuestionIndex, r.AudioMediaType, audio)
		if err != nil {
			return NewInternalError("store audio payload: " + err.Error())
		}
		r.AudioPath = path
	default:
		if r.Text == "" {
			return NewInvalidError("text answer required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex := s.sessions[sessionID]
	if byIndex == nil {
		byIndex = map[int]*models.Response{}
		s.sessions[sessionID] = byIndex
	}
	byIndex[r.QuestionIndex] = r
	return nil
}

// GetAll returns the session's responses ordered by question index.
func (s *ResponseStore) GetAll(sessionID string) []*models.Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex := s.sessions[sessionID]
	out := make([]*models.Response, 0, len(byIndex))
	for _, r := range byIndex {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out
}

// Get returns the stored response for one index, if any.
func (s *ResponseStore) Get(sessionID string, index int) (*models.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID][index]
	return r, ok
}

func (s *ResponseStore) Has(sessionID string, index int) bool {
	_, ok := s.Get(sessionID, index)
	return ok
}

// Release drops a session's responses once scoring has consumed them.
func (s *ResponseStore) Release(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}
