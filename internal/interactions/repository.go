package interactions

import (
	"context"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/store"
)

// RepositoryWriter stores interactions in the interaction repository,
// which backs per-user history queries.
type RepositoryWriter struct {
	repo store.InteractionRepository
}

var _ Writer = (*RepositoryWriter)(nil)

// NewRepositoryWriter creates a writer over repo.
func NewRepositoryWriter(repo store.InteractionRepository) *RepositoryWriter {
	return &RepositoryWriter{repo: repo}
}

// Write appends in to the repository.
func (w *RepositoryWriter) Write(ctx context.Context, in *domain.Interaction) error {
	return w.repo.AppendInteraction(ctx, in)
}

// Close is a no-op; the repository is owned by the caller.
func (w *RepositoryWriter) Close() error { return nil }
