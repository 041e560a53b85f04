// Package db persists subjects, sessions, results, chat turns and clinician
// accounts in SQLite. Active-session working state (questions, pending
// responses, locks) lives in the services; this store holds what must
// survive the process and what the clinician overview reads.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lioratech/bloom/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(conn *sql.DB) (*SQLiteStore, error) {
	if conn == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := conn.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// --- subjects ---

func (s *SQLiteStore) InsertSubject(sub *models.Subject) error {
	_, err := s.db.Exec(
		`INSERT INTO subjects (id, name, age, created_at) VALUES (?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.Age, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

// FindSubject looks a subject up by (name, age). Returns nil when absent.
func (s *SQLiteStore) FindSubject(name string, age int) (*models.Subject, error) {
	row := s.db.QueryRow(
		`SELECT id, name, age, created_at FROM subjects WHERE name = ? AND age = ? LIMIT 1`,
		name, age,
	)
	var sub models.Subject
	if err := row.Scan(&sub.ID, &sub.Name, &sub.Age, &sub.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find subject: %w", err)
	}
	return &sub, nil
}

func (s *SQLiteStore) ListSubjects() ([]*models.Subject, error) {
	rows, err := s.db.Query(`SELECT id, name, age, created_at FROM subjects ORDER BY name, age`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()
	var out []*models.Subject
	for rows.Next() {
		var sub models.Subject
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Age, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *SQLiteStore) InsertSession(sess *models.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, subject_id, kind, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.SubjectID, string(sess.Kind), string(sess.State), sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionState(id string, state models.SessionState, failure string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET state = ?, failure = ? WHERE id = ?`,
		string(state), toNullString(failure), id,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session state: unknown session %s", id)
	}
	return nil
}

// SaveResult stores the finalized outcome and moves the session to ready in
// one statement, so a pollable result is never visible with a stale state.
func (s *SQLiteStore) SaveResult(id string, res *models.Result) error {
	var breakdown sql.NullString
	if len(res.Breakdown) > 0 || len(res.Turns) > 0 {
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		breakdown = sql.NullString{String: string(b), Valid: true}
	}
	out, err := s.db.Exec(
		`UPDATE sessions
		 SET state = ?, category = ?, summary = ?, analysis = ?, mean_score = ?, breakdown = ?, failure = NULL
		 WHERE id = ?`,
		string(models.StateReady), res.Category, res.Summary, res.Analysis,
		toNullFloat(res.MeanScore), breakdown, id,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save result: unknown session %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListSessionsBySubject(subjectID string) ([]*models.SessionSummary, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, state, created_at, category, summary, analysis
		 FROM sessions WHERE subject_id = ? ORDER BY created_at DESC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSessionSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RecentOutcomes returns the subject's most recent completed sessions other
// than exclude, newest first, for trend framing in chat analysis.
func (s *SQLiteStore) RecentOutcomes(subjectID, excludeSessionID string, limit int) ([]*models.SessionSummary, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, state, created_at, category, summary, analysis
		 FROM sessions
		 WHERE subject_id = ? AND id != ? AND category IS NOT NULL
		 ORDER BY created_at DESC LIMIT ?`,
		subjectID, excludeSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent outcomes: %w", err)
	}
	defer rows.Close()
	var out []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSessionSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanSessionSummary(rows *sql.Rows) (*models.SessionSummary, error) {
	var (
		sum                         models.SessionSummary
		kind, state                 string
		category, summary, analysis sql.NullString
	)
	if err := rows.Scan(&sum.ID, &kind, &state, &sum.CreatedAt, &category, &summary, &analysis); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sum.Kind = models.SessionKind(kind)
	sum.State = models.SessionState(state)
	sum.Category = category.String
	sum.Summary = summary.String
	sum.Analysis = analysis.String
	return &sum, nil
}

// --- chat turns ---

func (s *SQLiteStore) AppendChatTurn(sessionID string, t models.ChatTurn) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_turns (session_id, turn_index, role, content) VALUES (?, ?, ?, ?)`,
		sessionID, t.TurnIndex, t.Role, t.Content,
	)
	if err != nil {
		return fmt.Errorf("append chat turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChatTurns(sessionID string) ([]models.ChatTurn, error) {
	rows, err := s.db.Query(
		`SELECT turn_index, role, content FROM chat_turns WHERE session_id = ? ORDER BY turn_index`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat turns: %w", err)
	}
	defer rows.Close()
	var out []models.ChatTurn
	for rows.Next() {
		var t models.ChatTurn
		if err := rows.Scan(&t.TurnIndex, &t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- clinicians ---

func (s *SQLiteStore) AddClinician(c *models.Clinician) error {
	_, err := s.db.Exec(
		`INSERT INTO clinicians (id, email, pass_hash, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, strings.ToLower(c.Email), c.PassHash, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add clinician: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindClinicianByEmail(email string) (*models.Clinician, error) {
	row := s.db.QueryRow(
		`SELECT id, email, pass_hash, created_at FROM clinicians WHERE email = ?`,
		strings.ToLower(email),
	)
	var c models.Clinician
	if err := row.Scan(&c.ID, &c.Email, &c.PassHash, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find clinician: %w", err)
	}
	return &c, nil
}
