package member

import (
	"context"

	"github.com/nimburion/txbound/pkg/repository"
	"github.com/nimburion/txbound/pkg/txbound"
)

// Store runs single repository operations. Outside a transaction each call
// acquires and releases its own connection; inside one it joins the bound
// connection.
type Store struct {
	source txbound.Source
	repo   *Repository
}

func NewStore(src txbound.Source, repo *Repository) *Store {
	return &Store{source: src, repo: repo}
}

func (s *Store) Save(ctx context.Context, m *Member) error {
	return repository.Run(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) error {
		return s.repo.Save(ctx, ex, m)
	})
}

func (s *Store) FindByID(ctx context.Context, id string) (*Member, error) {
	return repository.Query(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) (*Member, error) {
		return s.repo.FindByID(ctx, ex, id)
	})
}

func (s *Store) Update(ctx context.Context, id string, money int64) error {
	return repository.Run(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) error {
		return s.repo.Update(ctx, ex, id, money)
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return repository.Run(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) error {
		return s.repo.Delete(ctx, ex, id)
	})
}

func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	return repository.Query(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) (int64, error) {
		return s.repo.DeleteAll(ctx, ex)
	})
}

func (s *Store) List(ctx context.Context, page repository.Pagination) ([]Member, error) {
	return repository.Query(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) ([]Member, error) {
		return s.repo.List(ctx, ex, page)
	})
}
