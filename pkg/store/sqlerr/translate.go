// Package sqlerr maps vendor error codes from lib/pq, pgx and the MySQL
// driver onto a small set of driver independent categories.
package sqlerr

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrBadGrammar         = errors.New("bad sql grammar")
	ErrIntegrityViolation = errors.New("data integrity violation")
	// ErrTransient covers deadlocks, serialization failures and lock
	// timeouts; the whole transaction may succeed when run again.
	ErrTransient = errors.New("transient data access failure")
)

var postgresCodes = map[string]error{
	"23505": ErrDuplicateKey,
	"42601": ErrBadGrammar,
	"42P01": ErrBadGrammar,
	"42703": ErrBadGrammar,
	"23502": ErrIntegrityViolation,
	"23503": ErrIntegrityViolation,
	"23514": ErrIntegrityViolation,
	"40001": ErrTransient,
	"40P01": ErrTransient,
	"55P03": ErrTransient,
}

var mysqlCodes = map[uint16]error{
	1062: ErrDuplicateKey,
	1064: ErrBadGrammar,
	1054: ErrBadGrammar,
	1146: ErrBadGrammar,
	1048: ErrIntegrityViolation,
	1451: ErrIntegrityViolation,
	1452: ErrIntegrityViolation,
	1205: ErrTransient,
	1213: ErrTransient,
}

// Translate returns err annotated with its category. Both the category and
// the vendor error stay reachable through errors.Is and errors.As. Errors
// with unknown codes, and non-vendor errors, are returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	kind, code := classify(err)
	if kind == nil {
		return err
	}
	return fmt.Errorf("%w [%s]: %w", kind, code, err)
}

// Code returns the vendor code carried by err, or "" when there is none.
func Code(err error) string {
	_, code := classify(err)
	return code
}

// IsTransient reports whether err is worth retrying as a whole transaction.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	kind, _ := classify(err)
	return kind == ErrTransient
}

func classify(err error) (error, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return postgresCodes[code], code
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresCodes[pgErr.Code], pgErr.Code
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlCodes[myErr.Number], fmt.Sprintf("%d", myErr.Number)
	}
	return nil, ""
}
