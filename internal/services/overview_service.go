package services

import (
	"github.com/lioratech/bloom/internal/models"
)

// OverviewStore is the read surface of the clinician overview.
type OverviewStore interface {
	ListSubjects() ([]*models.Subject, error)
	ListSessionsBySubject(subjectID string) ([]*models.SessionSummary, error)
}

// SubjectOverview is one subject's screening history with the latest chat
// risk tier surfaced for triage.
type SubjectOverview struct {
	SubjectID  string                   `json:"subject_id"`
	Name       string                   `json:"name"`
	Age        int                      `json:"age"`
	LatestRisk string                   `json:"latest_risk"`
	Sessions   []*models.SessionSummary `json:"sessions"`
}

// OverviewService aggregates all subjects and their sessions for reviewing
// clinicians.
type OverviewService struct {
	store OverviewStore
}

func NewOverviewService(store OverviewStore) *OverviewService {
	return &OverviewService{store: store}
}

// Overview lists every subject with session history, newest session first.
// LatestRisk is the category of the most recent completed chat session,
// defaulting to Good when none exists.
func (s *OverviewService) Overview() ([]*SubjectOverview, error) {
	subjects, err := s.store.ListSubjects()
	if err != nil {
		return nil, NewInternalError("list subjects: " + err.Error())
	}
	out := make([]*SubjectOverview, 0, len(subjects))
	for _, sub := range subjects {
		sessions, err := s.store.ListSessionsBySubject(sub.ID)
		if err != nil {
			return nil, NewInternalError("list sessions: " + err.Error())
		}
		risk := models.CategoryGood
		for _, sess := range sessions {
			if sess.Kind == models.KindChat && sess.Category != "" {
				risk = sess.Category
				break
			}
		}
		out = append(out, &SubjectOverview{
			SubjectID:  sub.ID,
			Name:       sub.Name,
			Age:        sub.Age,
			LatestRisk: risk,
			Sessions:   sessions,
		})
	}
	return out, nil
}
