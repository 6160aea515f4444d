// Package storage defines persistence interfaces for export session
// history. Writes are best effort: a storage failure never blocks an
// export.
package storage

import (
	"context"
	"errors"

	"github.com/vietddude/relay/internal/core/domain"
)

// ErrSessionNotFound is returned when no session matches the export id.
var ErrSessionNotFound = errors.New("export session not found")

// SessionRepository persists export sessions.
type SessionRepository interface {
	// Save inserts or updates the session keyed by its export id.
	Save(ctx context.Context, session *domain.ExportSession) error

	// GetByExportID returns the session with the given export id, or
	// ErrSessionNotFound.
	GetByExportID(ctx context.Context, exportID string) (*domain.ExportSession, error)

	// ListRecent returns up to limit sessions, most recently finished first.
	ListRecent(ctx context.Context, limit int) ([]*domain.ExportSession, error)
}
