package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// HasImport reports whether a file with this content hash was imported.
func (s *InteractionStore) HasImport(ctx context.Context, fileHash string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM imports WHERE file_hash = ?", fileHash).Scan(&n); err != nil {
		return false, persistErr("get", "import", err)
	}
	return n > 0, nil
}

// RecordImport marks a file as imported.
func (s *InteractionStore) RecordImport(ctx context.Context, rec domain.ImportRecord) error {
	if rec.FileHash == "" {
		return fmt.Errorf("record import: %w: empty hash", domain.ErrInvalidInput)
	}
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = s.now()
	}
	ids := rec.SessionIDs
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal session ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO imports (file_hash, path, session_ids, interactions, imported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_hash) DO UPDATE SET
			path=excluded.path, session_ids=excluded.session_ids,
			interactions=excluded.interactions, imported_at=excluded.imported_at`,
		rec.FileHash, rec.Path, string(data), rec.Interactions, rec.ImportedAt.UTC(),
	)
	return persistErr("record", "import", err)
}

// ListImports returns the most recent imports first.
func (s *InteractionStore) ListImports(ctx context.Context, limit int) ([]domain.ImportRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT file_hash, path, session_ids, interactions, imported_at
		FROM imports ORDER BY imported_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("list", "import", err)
	}
	defer rows.Close()

	var out []domain.ImportRecord
	for rows.Next() {
		var (
			rec domain.ImportRecord
			ids string
			at  time.Time
		)
		if err := rows.Scan(&rec.FileHash, &rec.Path, &ids, &rec.Interactions, &at); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		rec.ImportedAt = at
		if err := json.Unmarshal([]byte(ids), &rec.SessionIDs); err != nil {
			return nil, fmt.Errorf("unmarshal session ids: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
