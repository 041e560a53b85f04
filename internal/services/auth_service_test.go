package services

import (
	"strings"
	"testing"
	"time"

	"github.com/lioratech/bloom/internal/models"
)

type stubAuthStore struct {
	clinicians map[string]*models.Clinician
}

func newStubAuthStore() *stubAuthStore {
	return &stubAuthStore{clinicians: map[string]*models.Clinician{}}
}

func (s *stubAuthStore) FindClinicianByEmail(email string) (*models.Clinician, error) {
	return s.clinicians[strings.ToLower(email)], nil
}

func (s *stubAuthStore) AddClinician(c *models.Clinician) error {
	s.clinicians[strings.ToLower(c.Email)] = c
	return nil
}

func testSigner(uid, email string, ttl time.Duration) (string, error) {
	return "tok-" + uid, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewAuthService(newStubAuthStore(), testSigner)

	reg, err := svc.Register("doc@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Token != "tok-"+reg.ClinicianID {
		t.Fatalf("token = %q", reg.Token)
	}

	login, err := svc.Login("doc@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.ClinicianID != reg.ClinicianID {
		t.Fatalf("clinician ids differ")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := NewAuthService(newStubAuthStore(), testSigner)
	if _, err := svc.Register("doc@example.com", "hunter22"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register("doc@example.com", "other")
	assertCode(t, err, ErrorConflict)
}

func TestRegisterValidation(t *testing.T) {
	svc := NewAuthService(newStubAuthStore(), testSigner)
	_, err := svc.Register("", "pw")
	assertCode(t, err, ErrorInvalid)
	_, err = svc.Register("doc@example.com", "  ")
	assertCode(t, err, ErrorInvalid)
}

func TestLoginWrongPassword(t *testing.T) {
	svc := NewAuthService(newStubAuthStore(), testSigner)
	if _, err := svc.Register("doc@example.com", "hunter22"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Login("doc@example.com", "wrong")
	assertCode(t, err, ErrorUnauthorized)
}

func TestLoginUnknownEmail(t *testing.T) {
	svc := NewAuthService(newStubAuthStore(), testSigner)
	_, err := svc.Login("nobody@example.com", "pw")
	assertCode(t, err, ErrorUnauthorized)
}
