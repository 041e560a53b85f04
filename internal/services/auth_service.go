package services

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lioratech/bloom/internal/models"
)

// AuthStore is the persistence surface of clinician accounts.
type AuthStore interface {
	FindClinicianByEmail(email string) (*models.Clinician, error)
	AddClinician(c *models.Clinician) error
}

// TokenSigner mints an access token for a clinician.
type TokenSigner func(uid, email string, ttl time.Duration) (string, error)

// AuthService registers and authenticates the clinicians who read the
// screening overview.
type AuthService struct {
	store     AuthStore
	now       func() time.Time
	idGen     func() string
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token       string
	ClinicianID string
}

func NewAuthService(store AuthStore, signer TokenSigner) *AuthService {
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     func() string { return "c" + strings.ReplaceAll(uuid.NewString(), "-", "")[:7] },
		signToken: signer,
		tokenTTL:  30 * 24 * time.Hour,
	}
}

func (s *AuthService) Register(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	existing, err := s.store.FindClinicianByEmail(email)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}
	if existing != nil {
		return nil, NewConflictError("email exists")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}
	c := &models.Clinician{ID: s.idGen(), Email: email, PassHash: hash, CreatedAt: s.now()}
	if err := s.store.AddClinician(c); err != nil {
		return nil, NewInternalError(err.Error())
	}
	return s.issue(c)
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	c, err := s.store.FindClinicianByEmail(email)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}
	if c == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(c.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	return s.issue(c)
}

func (s *AuthService) issue(c *models.Clinician) (*AuthResult, error) {
	if s.signToken == nil {
		return nil, NewInternalError("token signer not configured")
	}
	token, err := s.signToken(c.ID, c.Email, s.tokenTTL)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}
	return &AuthResult{Token: token, ClinicianID: c.ID}, nil
}
