package txbound

import (
	"database/sql"
	"fmt"
	"strings"
)

// Options configures a transaction begun by Manager.Begin.
type Options struct {
	// Name labels logs and spans.
	Name      string
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (o Options) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: o.Isolation, ReadOnly: o.ReadOnly}
}

// ParseIsolation maps a configuration value such as "read_committed" or
// "REPEATABLE READ" to a sql.IsolationLevel. The empty string selects the
// driver default.
func ParseIsolation(s string) (sql.IsolationLevel, error) {
	norm := strings.ToLower(strings.NewReplacer("-", " ", "_", " ").Replace(strings.TrimSpace(s)))
	switch norm {
	case "", "default":
		return sql.LevelDefault, nil
	case "read uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read committed":
		return sql.LevelReadCommitted, nil
	case "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "snapshot":
		return sql.LevelSnapshot, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", s)
	}
}
