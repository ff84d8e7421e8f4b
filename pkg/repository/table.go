package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/txbound/pkg/observability/tracing"
	"github.com/nimburion/txbound/pkg/store/sqlerr"
	"github.com/nimburion/txbound/pkg/txbound"
)

// ErrNotFound is returned when no row matches the requested id.
var ErrNotFound = errors.New("entity not found")

// EntityMapper maps an entity to column values for INSERT and UPDATE.
// Reads are scanned by scany using the entity's `db` struct tags.
type EntityMapper[T any, ID comparable] interface {
	ToRow(entity *T) (map[string]any, error)
	GetID(entity *T) ID
}

// Table issues CRUD statements for one table. It holds no connection: each
// method takes the executor to run on.
type Table[T any, ID comparable] struct {
	name     string
	idColumn string
	columns  []string
	mapper   EntityMapper[T, ID]
	builder  sq.StatementBuilderType
}

// NewTable creates a Table. columns lists the selected columns in scan order.
func NewTable[T any, ID comparable](name, idColumn string, columns []string, mapper EntityMapper[T, ID], placeholder sq.PlaceholderFormat) *Table[T, ID] {
	return &Table[T, ID]{
		name:     name,
		idColumn: idColumn,
		columns:  columns,
		mapper:   mapper,
		builder:  sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

func (t *Table[T, ID]) Name() string { return t.name }

// Insert adds entity.
func (t *Table[T, ID]) Insert(ctx context.Context, ex SQLExecutor, entity *T) error {
	if entity == nil {
		return &txbound.RepositoryError{Op: "insert " + t.name, Err: errors.New("entity cannot be nil")}
	}
	row, err := t.mapper.ToRow(entity)
	if err != nil {
		return &txbound.RepositoryError{Op: "insert " + t.name, Err: fmt.Errorf("map entity: %w", err)}
	}
	query, args, err := t.builder.Insert(t.name).SetMap(row).ToSql()
	if err != nil {
		return &txbound.RepositoryError{Op: "insert " + t.name, Err: err}
	}
	_, err = t.exec(ctx, ex, tracing.SpanOperationDBInsert, query, args)
	return txbound.NewRepositoryError("insert "+t.name, err)
}

// FindByID returns the entity with the given id or ErrNotFound.
func (t *Table[T, ID]) FindByID(ctx context.Context, ex SQLExecutor, id ID) (*T, error) {
	query, args, err := t.builder.Select(t.columns...).From(t.name).Where(sq.Eq{t.idColumn: id}).ToSql()
	if err != nil {
		return nil, &txbound.RepositoryError{Op: "find " + t.name, Err: err}
	}

	ctx, span := t.span(ctx, ex, tracing.SpanOperationDBQuery, query)
	defer span.End()

	var entity T
	if err := sqlscan.Get(ctx, ex, &entity, query, args...); err != nil {
		if sqlscan.NotFound(err) || errors.Is(err, sql.ErrNoRows) {
			return nil, &txbound.RepositoryError{Op: "find " + t.name, Err: fmt.Errorf("%w: %s %v", ErrNotFound, t.idColumn, id)}
		}
		tracing.RecordError(span, err)
		return nil, &txbound.RepositoryError{Op: "find " + t.name, Err: sqlerr.Translate(err)}
	}
	return &entity, nil
}

// Find returns every row matching pred, ordered by the id column.
func (t *Table[T, ID]) Find(ctx context.Context, ex SQLExecutor, pred sq.Sqlizer, page Pagination) ([]T, error) {
	q := t.builder.Select(t.columns...).From(t.name).OrderBy(t.idColumn)
	if pred != nil {
		q = q.Where(pred)
	}
	if page.PageSize > 0 {
		q = q.Limit(uint64(page.Limit())).Offset(uint64(page.Offset()))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, &txbound.RepositoryError{Op: "find " + t.name, Err: err}
	}

	ctx, span := t.span(ctx, ex, tracing.SpanOperationDBQuery, query)
	defer span.End()

	var out []T
	if err := sqlscan.Select(ctx, ex, &out, query, args...); err != nil {
		tracing.RecordError(span, err)
		return nil, &txbound.RepositoryError{Op: "find " + t.name, Err: sqlerr.Translate(err)}
	}
	return out, nil
}

// Update overwrites the row of entity. ErrNotFound is returned when no row
// has the entity's id.
func (t *Table[T, ID]) Update(ctx context.Context, ex SQLExecutor, entity *T) error {
	if entity == nil {
		return &txbound.RepositoryError{Op: "update " + t.name, Err: errors.New("entity cannot be nil")}
	}
	row, err := t.mapper.ToRow(entity)
	if err != nil {
		return &txbound.RepositoryError{Op: "update " + t.name, Err: fmt.Errorf("map entity: %w", err)}
	}
	id := t.mapper.GetID(entity)
	delete(row, t.idColumn)

	query, args, err := t.builder.Update(t.name).SetMap(row).Where(sq.Eq{t.idColumn: id}).ToSql()
	if err != nil {
		return &txbound.RepositoryError{Op: "update " + t.name, Err: err}
	}
	return t.execOne(ctx, ex, "update", tracing.SpanOperationDBUpdate, query, args, id)
}

// Delete removes the row with the given id.
func (t *Table[T, ID]) Delete(ctx context.Context, ex SQLExecutor, id ID) error {
	query, args, err := t.builder.Delete(t.name).Where(sq.Eq{t.idColumn: id}).ToSql()
	if err != nil {
		return &txbound.RepositoryError{Op: "delete " + t.name, Err: err}
	}
	return t.execOne(ctx, ex, "delete", tracing.SpanOperationDBDelete, query, args, id)
}

// DeleteAll removes every row and reports how many were deleted.
func (t *Table[T, ID]) DeleteAll(ctx context.Context, ex SQLExecutor) (int64, error) {
	query, args, err := t.builder.Delete(t.name).ToSql()
	if err != nil {
		return 0, &txbound.RepositoryError{Op: "delete " + t.name, Err: err}
	}
	res, err := t.exec(ctx, ex, tracing.SpanOperationDBDelete, query, args)
	if err != nil {
		return 0, txbound.NewRepositoryError("delete "+t.name, err)
	}
	n, err := res.RowsAffected()
	return n, txbound.NewRepositoryError("delete "+t.name, err)
}

func (t *Table[T, ID]) execOne(ctx context.Context, ex SQLExecutor, verb string, op tracing.SpanOperation, query string, args []any, id ID) error {
	res, err := t.exec(ctx, ex, op, query, args)
	if err != nil {
		return txbound.NewRepositoryError(verb+" "+t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return txbound.NewRepositoryError(verb+" "+t.name, err)
	}
	if n == 0 {
		return &txbound.RepositoryError{Op: verb + " " + t.name, Err: fmt.Errorf("%w: %s %v", ErrNotFound, t.idColumn, id)}
	}
	return nil
}

func (t *Table[T, ID]) exec(ctx context.Context, ex SQLExecutor, op tracing.SpanOperation, query string, args []any) (sql.Result, error) {
	ctx, span := t.span(ctx, ex, op, query)
	defer span.End()

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, sqlerr.Translate(err)
	}
	return res, nil
}

func (t *Table[T, ID]) span(ctx context.Context, ex SQLExecutor, op tracing.SpanOperation, query string) (context.Context, trace.Span) {
	opts := []tracing.DatabaseSpanOption{tracing.WithDBTable(t.name), tracing.WithDBStatement(query)}
	if conn, ok := ex.(txbound.Conn); ok {
		opts = append(opts, tracing.WithDBConnection(conn.ID()))
	}
	return tracing.StartDatabaseSpan(ctx, op, opts...)
}
