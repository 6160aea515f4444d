package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// SessionRepo implements storage.SessionRepository using PostgreSQL.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new PostgreSQL session repository.
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Save upserts the session and replaces its partial failure rows.
func (r *SessionRepo) Save(ctx context.Context, session *domain.ExportSession) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO export_sessions (export_id, tab_id, status, total_businesses, successful_businesses, reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (export_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_businesses = EXCLUDED.total_businesses,
			successful_businesses = EXCLUDED.successful_businesses,
			reason = EXCLUDED.reason,
			finished_at = EXCLUDED.finished_at
	`
	_, err = tx.ExecContext(ctx, query,
		session.ExportID,
		session.TabID,
		string(session.Status),
		session.TotalBusinesses,
		session.SuccessfulBusinesses,
		session.Reason,
		session.StartedAt,
		nullableTime(session.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM export_partial_failures WHERE export_id = $1`, session.ExportID); err != nil {
		return fmt.Errorf("failed to clear partial failures: %w", err)
	}
	for _, pf := range session.PartialFailures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO export_partial_failures (export_id, business_name, error) VALUES ($1, $2, $3)`,
			session.ExportID, pf.BusinessName, pf.Error); err != nil {
			return fmt.Errorf("failed to save partial failure: %w", err)
		}
	}

	return tx.Commit()
}

type sessionRow struct {
	ExportID             string       `db:"export_id"`
	TabID                int          `db:"tab_id"`
	Status               string       `db:"status"`
	TotalBusinesses      int          `db:"total_businesses"`
	SuccessfulBusinesses int          `db:"successful_businesses"`
	Reason               string       `db:"reason"`
	StartedAt            time.Time    `db:"started_at"`
	FinishedAt           sql.NullTime `db:"finished_at"`
}

func (s *sessionRow) toDomain() *domain.ExportSession {
	session := &domain.ExportSession{
		ExportID:             s.ExportID,
		TabID:                s.TabID,
		Status:               domain.SessionStatus(s.Status),
		TotalBusinesses:      s.TotalBusinesses,
		SuccessfulBusinesses: s.SuccessfulBusinesses,
		Reason:               s.Reason,
		StartedAt:            s.StartedAt,
	}
	if s.FinishedAt.Valid {
		session.FinishedAt = s.FinishedAt.Time
	}
	return session
}

// GetByExportID retrieves a session with its partial failures.
func (r *SessionRepo) GetByExportID(ctx context.Context, exportID string) (*domain.ExportSession, error) {
	query := `
		SELECT export_id, tab_id, status, total_businesses, successful_businesses, reason, started_at, finished_at
		FROM export_sessions
		WHERE export_id = $1
	`

	var row sessionRow
	err := r.db.GetContext(ctx, &row, query, exportID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := row.toDomain()
	failures, err := r.partialFailures(ctx, exportID)
	if err != nil {
		return nil, err
	}
	session.PartialFailures = failures
	return session, nil
}

// ListRecent retrieves up to limit sessions, most recently finished first.
func (r *SessionRepo) ListRecent(ctx context.Context, limit int) ([]*domain.ExportSession, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT export_id, tab_id, status, total_businesses, successful_businesses, reason, started_at, finished_at
		FROM export_sessions
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $1
	`

	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*domain.ExportSession, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toDomain())
	}
	return sessions, nil
}

func (r *SessionRepo) partialFailures(ctx context.Context, exportID string) ([]domain.PartialFailure, error) {
	query := `
		SELECT business_name, error
		FROM export_partial_failures
		WHERE export_id = $1
		ORDER BY id
	`

	var rows []struct {
		BusinessName string `db:"business_name"`
		Error        string `db:"error"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, exportID); err != nil {
		return nil, fmt.Errorf("failed to get partial failures: %w", err)
	}

	failures := make([]domain.PartialFailure, 0, len(rows))
	for _, row := range rows {
		failures = append(failures, domain.PartialFailure{
			BusinessName: row.BusinessName,
			Error:        row.Error,
		})
	}
	return failures, nil
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
