package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/nimburion/txbound/pkg/repository"
	"github.com/nimburion/txbound/pkg/store/sqlerr"
	"github.com/nimburion/txbound/pkg/txbound"
)

// DefaultOutboxTable is the table SQLOutboxStore writes to.
const DefaultOutboxTable = "outbox"

var outboxColumns = []string{
	"id", "topic", "message_id", "message_key", "payload", "headers", "content_type",
	"created_at", "available_at", "published", "published_at", "retry_count", "last_error",
}

type outboxRow struct {
	ID          string         `db:"id"`
	Topic       string         `db:"topic"`
	MessageID   string         `db:"message_id"`
	MessageKey  string         `db:"message_key"`
	Payload     []byte         `db:"payload"`
	Headers     string         `db:"headers"`
	ContentType string         `db:"content_type"`
	CreatedAt   time.Time      `db:"created_at"`
	AvailableAt time.Time      `db:"available_at"`
	Published   bool           `db:"published"`
	PublishedAt sql.NullTime   `db:"published_at"`
	RetryCount  int            `db:"retry_count"`
	LastError   sql.NullString `db:"last_error"`
}

func (r *outboxRow) entry() (*OutboxEntry, error) {
	var headers map[string]string
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &headers); err != nil {
			return nil, fmt.Errorf("decode headers of outbox entry %s: %w", r.ID, err)
		}
	}
	e := &OutboxEntry{
		ID:    r.ID,
		Topic: r.Topic,
		Message: &Message{
			ID:          r.MessageID,
			Key:         r.MessageKey,
			Value:       r.Payload,
			Headers:     headers,
			ContentType: r.ContentType,
			Timestamp:   r.CreatedAt,
		},
		CreatedAt:   r.CreatedAt,
		AvailableAt: r.AvailableAt,
		Published:   r.Published,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError.String,
	}
	if r.PublishedAt.Valid {
		t := r.PublishedAt.Time
		e.PublishedAt = &t
	}
	return e, nil
}

// SQLOutboxStore keeps outbox entries in a SQL table. Every call runs on
// the connection bound to ctx when a transaction is in scope and on a
// short-lived pooled connection otherwise.
type SQLOutboxStore struct {
	source  txbound.Source
	table   string
	builder sq.StatementBuilderType
}

// NewSQLOutboxStore creates a store over src using the given placeholder
// dialect.
func NewSQLOutboxStore(src txbound.Source, placeholder sq.PlaceholderFormat) *SQLOutboxStore {
	return &SQLOutboxStore{
		source:  src,
		table:   DefaultOutboxTable,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// Insert writes entry on the connection bound to ctx, or on a pooled
// connection in auto-commit mode when no transaction is in scope.
func (s *SQLOutboxStore) Insert(ctx context.Context, entry *OutboxEntry) error {
	return repository.Run(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) error {
		return s.InsertOn(ctx, ex, entry)
	})
}

// InsertOn writes entry on ex.
func (s *SQLOutboxStore) InsertOn(ctx context.Context, ex repository.SQLExecutor, entry *OutboxEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	headers := "{}"
	if len(entry.Message.Headers) > 0 {
		b, err := json.Marshal(entry.Message.Headers)
		if err != nil {
			return fmt.Errorf("encode outbox headers: %w", err)
		}
		headers = string(b)
	}
	query, args, err := s.builder.Insert(s.table).
		Columns("id", "topic", "message_id", "message_key", "payload", "headers", "content_type",
			"created_at", "available_at", "published", "retry_count").
		Values(entry.ID, entry.Topic, entry.Message.ID, entry.Message.Key, entry.Message.Value, headers,
			entry.Message.ContentType, entry.CreatedAt, entry.AvailableAt, false, entry.RetryCount).
		ToSql()
	if err != nil {
		return &txbound.RepositoryError{Op: "insert outbox", Err: err}
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return txbound.NewRepositoryError("insert outbox", sqlerr.Translate(err))
	}
	return nil
}

// FetchPending implements OutboxStore.
func (s *SQLOutboxStore) FetchPending(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*OutboxEntry, error) {
	query, args, err := s.builder.Select(outboxColumns...).
		From(s.table).
		Where(sq.Eq{"published": false}).
		Where(sq.LtOrEq{"available_at": now}).
		Where(sq.Lt{"retry_count": maxAttempts}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, &txbound.RepositoryError{Op: "fetch outbox", Err: err}
	}

	var rows []outboxRow
	err = repository.Run(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) error {
		return sqlscan.Select(ctx, ex, &rows, query, args...)
	})
	if err != nil {
		return nil, txbound.NewRepositoryError("fetch outbox", sqlerr.Translate(err))
	}

	entries := make([]*OutboxEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkPublished implements OutboxStore.
func (s *SQLOutboxStore) MarkPublished(ctx context.Context, id string, publishedAt time.Time) error {
	query, args, err := s.builder.Update(s.table).
		Set("published", true).
		Set("published_at", publishedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return &txbound.RepositoryError{Op: "mark outbox published", Err: err}
	}
	return s.exec(ctx, "mark outbox published", query, args)
}

// MarkFailed implements OutboxStore.
func (s *SQLOutboxStore) MarkFailed(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, reason string) error {
	query, args, err := s.builder.Update(s.table).
		Set("retry_count", retryCount).
		Set("available_at", nextAttemptAt).
		Set("last_error", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return &txbound.RepositoryError{Op: "mark outbox failed", Err: err}
	}
	return s.exec(ctx, "mark outbox failed", query, args)
}

// CleanupPublishedBefore deletes entries published before the cutoff.
func (s *SQLOutboxStore) CleanupPublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := s.builder.Delete(s.table).
		Where(sq.Eq{"published": true}).
		Where(sq.Lt{"published_at": before}).
		ToSql()
	if err != nil {
		return 0, &txbound.RepositoryError{Op: "cleanup outbox", Err: err}
	}
	return repository.Query(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) (int64, error) {
		res, err := ex.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, txbound.NewRepositoryError("cleanup outbox", sqlerr.Translate(err))
		}
		return res.RowsAffected()
	})
}

// PendingCount implements OutboxStore.
func (s *SQLOutboxStore) PendingCount(ctx context.Context, now time.Time) (int, error) {
	query, args, err := s.builder.Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"published": false}).
		Where(sq.LtOrEq{"available_at": now}).
		ToSql()
	if err != nil {
		return 0, err
	}
	return repository.Query(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) (int, error) {
		var n int
		err := ex.QueryRowContext(ctx, query, args...).Scan(&n)
		return n, txbound.NewRepositoryError("count outbox", err)
	})
}

// OldestPendingAgeSeconds implements OutboxStore.
func (s *SQLOutboxStore) OldestPendingAgeSeconds(ctx context.Context, now time.Time) (float64, error) {
	query, args, err := s.builder.Select("MIN(created_at)").
		From(s.table).
		Where(sq.Eq{"published": false}).
		Where(sq.LtOrEq{"available_at": now}).
		ToSql()
	if err != nil {
		return 0, err
	}
	oldest, err := repository.Query(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) (sql.NullTime, error) {
		var t sql.NullTime
		err := ex.QueryRowContext(ctx, query, args...).Scan(&t)
		return t, txbound.NewRepositoryError("oldest outbox", err)
	})
	if err != nil || !oldest.Valid {
		return 0, err
	}
	return now.Sub(oldest.Time).Seconds(), nil
}

func (s *SQLOutboxStore) exec(ctx context.Context, op, query string, args []any) error {
	return repository.Run(ctx, s.source, func(ctx context.Context, ex repository.SQLExecutor) error {
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return txbound.NewRepositoryError(op, sqlerr.Translate(err))
		}
		return nil
	})
}
