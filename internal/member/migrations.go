package member

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the schema scripts for system ("postgresql" or "mysql").
func Migrations(system string) (fs.FS, string, error) {
	switch system {
	case "postgresql", "postgres":
		return migrationFiles, "migrations/postgres", nil
	case "mysql":
		return migrationFiles, "migrations/mysql", nil
	default:
		return nil, "", fmt.Errorf("no migrations for database system %q", system)
	}
}
