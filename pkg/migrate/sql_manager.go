package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/repository"
	"github.com/nimburion/txbound/pkg/txbound"
)

var migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

const metadataTable = "schema_migrations"

// Migration is one versioned schema change with its up and down scripts.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// SQLManager applies migrations read from an fs.FS. Each migration and
// its schema_migrations record run in a single transaction.
//
// MySQL commits DDL implicitly, so there a failing script can leave a
// partially applied migration behind.
type SQLManager struct {
	tx         *txbound.Manager
	builder    sq.StatementBuilderType
	migrations []Migration
	logger     logger.Logger
}

// NewSQLManager loads the migrations under dir.
func NewSQLManager(tx *txbound.Manager, placeholder sq.PlaceholderFormat, files fs.FS, dir string, log logger.Logger) (*SQLManager, error) {
	if tx == nil {
		return nil, errors.New("transaction manager is required")
	}
	if files == nil {
		return nil, errors.New("migration files filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("migration directory is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	migrations, err := loadMigrations(files, dir)
	if err != nil {
		return nil, err
	}
	return &SQLManager{
		tx:         tx,
		builder:    sq.StatementBuilder.PlaceholderFormat(placeholder),
		migrations: migrations,
		logger:     log,
	}, nil
}

// Migrations returns the loaded migrations in version order.
func (m *SQLManager) Migrations() []Migration {
	return slices.Clone(m.migrations)
}

// Up applies all pending migrations in order and stops at the first failure.
func (m *SQLManager) Up(ctx context.Context) (int, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range m.migrations {
		if slices.Contains(applied, migration.Version) {
			continue
		}
		record, args, err := m.builder.Insert(metadataTable).Columns("version").Values(migration.Version).ToSql()
		if err != nil {
			return count, err
		}
		err = m.tx.WithTransaction(ctx, func(ctx context.Context) error {
			return repository.Run(ctx, m.tx.Source(), func(ctx context.Context, ex repository.SQLExecutor) error {
				if _, err := ex.ExecContext(ctx, migration.UpSQL); err != nil {
					return fmt.Errorf("apply migration %d_%s: %w", migration.Version, migration.Name, err)
				}
				if _, err := ex.ExecContext(ctx, record, args...); err != nil {
					return fmt.Errorf("record migration %d: %w", migration.Version, err)
				}
				return nil
			})
		})
		if err != nil {
			return count, err
		}
		m.logger.Info("migration applied", "version", migration.Version, "name", migration.Name)
		count++
	}
	return count, nil
}

// Down reverts the latest steps applied migrations.
func (m *SQLManager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	slices.Reverse(applied)
	if steps > len(applied) {
		steps = len(applied)
	}

	count := 0
	for _, version := range applied[:steps] {
		migration, ok := m.migrationByVersion(version)
		if !ok {
			return count, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return count, fmt.Errorf("down migration missing for version %d", version)
		}
		unrecord, args, err := m.builder.Delete(metadataTable).Where(sq.Eq{"version": version}).ToSql()
		if err != nil {
			return count, err
		}
		err = m.tx.WithTransaction(ctx, func(ctx context.Context) error {
			return repository.Run(ctx, m.tx.Source(), func(ctx context.Context, ex repository.SQLExecutor) error {
				if _, err := ex.ExecContext(ctx, migration.DownSQL); err != nil {
					return fmt.Errorf("rollback migration %d_%s: %w", migration.Version, migration.Name, err)
				}
				if _, err := ex.ExecContext(ctx, unrecord, args...); err != nil {
					return fmt.Errorf("delete migration record %d: %w", version, err)
				}
				return nil
			})
		})
		if err != nil {
			return count, err
		}
		m.logger.Info("migration reverted", "version", migration.Version, "name", migration.Name)
		count++
	}
	return count, nil
}

// Status lists applied versions and pending migrations.
func (m *SQLManager) Status(ctx context.Context) (*Status, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]PendingMigration, 0)
	for _, migration := range m.migrations {
		if !slices.Contains(applied, migration.Version) {
			pending = append(pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}
	return &Status{AppliedVersions: applied, Pending: pending}, nil
}

// Operations adapts m to Run.
func (m *SQLManager) Operations() Operations {
	return Operations{Up: m.Up, Down: m.Down, Status: m.Status}
}

func (m *SQLManager) ensureMetadataTable(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	err := repository.Run(ctx, m.tx.Source(), func(ctx context.Context, ex repository.SQLExecutor) error {
		_, err := ex.ExecContext(ctx, query)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

// appliedVersions returns applied versions in ascending order.
func (m *SQLManager) appliedVersions(ctx context.Context) ([]int64, error) {
	query, args, err := m.builder.Select("version").From(metadataTable).OrderBy("version").ToSql()
	if err != nil {
		return nil, err
	}
	versions, err := repository.Query(ctx, m.tx.Source(), func(ctx context.Context, ex repository.SQLExecutor) ([]int64, error) {
		var out []int64
		err := sqlscan.Select(ctx, ex, &out, query, args...)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	return versions, nil
}

func (m *SQLManager) migrationByVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		matches := migrationNamePattern.FindStringSubmatch(name)
		if len(matches) != 4 {
			continue
		}

		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(files, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", name, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = mig
		}
		if matches[3] == "up" {
			mig.UpSQL = string(payload)
		} else {
			mig.DownSQL = string(payload)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", mig.Version)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
