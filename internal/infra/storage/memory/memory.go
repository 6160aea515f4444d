// Package memory provides an in-memory SessionRepository for tests and
// deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// SessionRepo stores export sessions in a map.
type SessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*domain.ExportSession
}

// NewSessionRepo creates an empty in-memory session repository.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[string]*domain.ExportSession)}
}

// Save inserts or replaces the session keyed by its export id.
func (r *SessionRepo) Save(ctx context.Context, session *domain.ExportSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ExportID] = copySession(session)
	return nil
}

// GetByExportID returns the session with the given export id.
func (r *SessionRepo) GetByExportID(ctx context.Context, exportID string) (*domain.ExportSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[exportID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return copySession(session), nil
}

// ListRecent returns up to limit sessions, most recently finished first.
func (r *SessionRepo) ListRecent(ctx context.Context, limit int) ([]*domain.ExportSession, error) {
	r.mu.RLock()
	out := make([]*domain.ExportSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, copySession(session))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copySession(s *domain.ExportSession) *domain.ExportSession {
	cp := *s
	if len(s.PartialFailures) > 0 {
		cp.PartialFailures = append([]domain.PartialFailure(nil), s.PartialFailures...)
	}
	return &cp
}
