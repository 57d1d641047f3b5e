package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

const sessionColumns = `id, external_id, title, started_at, ended_at, status,
	total_turns, total_interactions, primary_provider, primary_model,
	metadata, created_at, updated_at`

// EnsureSession inserts sess unless a session with its id exists. It
// reports whether a row was created.
func (s *InteractionStore) EnsureSession(ctx context.Context, sess *domain.Session) (bool, error) {
	if sess == nil || sess.ID == "" || sess.ExternalID == "" {
		return false, fmt.Errorf("ensure session: %w", domain.ErrInvalidInput)
	}
	if sess.Status == "" {
		sess.Status = domain.SessionActive
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}

	unlock := s.locks.Lock(sess.ID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, external_id, title, started_at, ended_at, status,
			total_turns, total_interactions, primary_provider, primary_model,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.ExternalID, sess.Title, sess.StartedAt.UTC(), nullTime(sess.EndedAt),
		string(sess.Status), string(sess.PrimaryProvider), sess.PrimaryModel,
		nullString(sess.Metadata), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, persistErr("ensure", "session", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetSession retrieves a session by ID.
func (s *InteractionStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if noRows(err) {
		return nil, notFound("session", id)
	}
	return sess, err
}

// GetSessionByExternalID retrieves the session created for an external id.
func (s *InteractionStore) GetSessionByExternalID(ctx context.Context, externalID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID)
	sess, err := scanSession(row)
	if noRows(err) {
		return nil, notFound("session", externalID)
	}
	return sess, err
}

// ListSessions returns the most recently started sessions first.
func (s *InteractionStore) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("list", "session", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CloseSession records the final status. ended_at only moves forward.
func (s *InteractionStore) CloseSession(ctx context.Context, id string, status domain.SessionStatus, endedAt time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("close session: %w: status %q", domain.ErrInvalidInput, status)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("close", "session", err)
	}
	defer tx.Rollback()

	var current sql.NullTime
	if err := tx.QueryRowContext(ctx, "SELECT ended_at FROM sessions WHERE id = ?", id).Scan(&current); err != nil {
		if noRows(err) {
			return notFound("session", id)
		}
		return persistErr("close", "session", err)
	}
	ended := endedAt.UTC()
	if current.Valid && current.Time.After(ended) {
		ended = current.Time
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		string(status), ended, s.now(), id); err != nil {
		return persistErr("close", "session", err)
	}
	return persistErr("close", "session", tx.Commit())
}

// DeleteSession removes a session and everything it owns.
func (s *InteractionStore) DeleteSession(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return persistErr("delete", "session", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("session", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		sess             domain.Session
		status, provider string
		endedAt          sql.NullTime
		metadata         sql.NullString
	)
	err := row.Scan(
		&sess.ID, &sess.ExternalID, &sess.Title, &sess.StartedAt, &endedAt, &status,
		&sess.TotalTurns, &sess.TotalInteractions, &provider, &sess.PrimaryModel,
		&metadata, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = domain.SessionStatus(status)
	sess.PrimaryProvider = domain.Provider(provider)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		sess.Metadata = []byte(metadata.String)
	}
	return &sess, nil
}

// nullTime converts a *time.Time to sql.NullTime for storage.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullString converts a byte slice to a *string for nullable TEXT columns.
func nullString(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}
