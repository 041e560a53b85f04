package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lioratech/bloom/internal/models"
)

// SubjectStore is the persistence surface of the subject registry.
type SubjectStore interface {
	FindSubject(name string, age int) (*models.Subject, error)
	InsertSubject(*models.Subject) error
}

// SubjectService keeps the minimal registry of assessed children. A
// returning (name, age) pair maps to the same subject so session history
// accumulates across visits.
type SubjectService struct {
	store SubjectStore
	now   func() time.Time
	idGen func() string
}

func NewSubjectService(store SubjectStore) *SubjectService {
	return &SubjectService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
}

// FindOrCreate resolves a subject by (name, age), creating it on first
// sight. An empty name registers as anonymous.
func (s *SubjectService) FindOrCreate(name string, age int) (*models.Subject, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "anonymous"
	}
	existing, err := s.store.FindSubject(name, age)
	if err != nil {
		return nil, NewInternalError("look up subject: " + err.Error())
	}
	if existing != nil {
		return existing, nil
	}
	sub := &models.Subject{ID: s.idGen(), Name: name, Age: age, CreatedAt: s.now()}
	if err := s.store.InsertSubject(sub); err != nil {
		return nil, NewInternalError("create subject: " + err.Error())
	}
	return sub, nil
}
