package member

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/nimburion/txbound/pkg/repository"
)

const tableName = "member"

// Repository holds the member statements. Every method runs on the
// executor it is given and never commits, rolls back or releases it.
type Repository struct {
	table *repository.Table[Member, string]
}

// NewRepository creates a Repository for the given placeholder dialect.
func NewRepository(placeholder sq.PlaceholderFormat) *Repository {
	return &Repository{
		table: repository.NewTable[Member, string](tableName, "member_id", []string{"member_id", "money"},
			repository.NewTagMapper[Member, string]("ID"), placeholder),
	}
}

func (r *Repository) Save(ctx context.Context, ex repository.SQLExecutor, m *Member) error {
	return r.table.Insert(ctx, ex, m)
}

func (r *Repository) FindByID(ctx context.Context, ex repository.SQLExecutor, id string) (*Member, error) {
	return r.table.FindByID(ctx, ex, id)
}

// Update sets the balance of member id.
func (r *Repository) Update(ctx context.Context, ex repository.SQLExecutor, id string, money int64) error {
	return r.table.Update(ctx, ex, &Member{ID: id, Money: money})
}

func (r *Repository) Delete(ctx context.Context, ex repository.SQLExecutor, id string) error {
	return r.table.Delete(ctx, ex, id)
}

func (r *Repository) DeleteAll(ctx context.Context, ex repository.SQLExecutor) (int64, error) {
	return r.table.DeleteAll(ctx, ex)
}

// List returns members ordered by id.
func (r *Repository) List(ctx context.Context, ex repository.SQLExecutor, page repository.Pagination) ([]Member, error) {
	return r.table.Find(ctx, ex, nil, page)
}
