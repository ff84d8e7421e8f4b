package txbound

import (
	"errors"
	"fmt"
)

var (
	// ErrReentrancy is returned by Bind when the chain already carries a
	// bound connection.
	ErrReentrancy = errors.New("txbound: a connection is already bound to this call chain")

	// ErrNotBound is returned by Unbind when nothing is bound.
	ErrNotBound = errors.New("txbound: no connection bound to this call chain")

	// ErrTxDone is returned when an originating transaction is finalized twice.
	ErrTxDone = errors.New("txbound: transaction already committed or rolled back")

	// ErrTxActive is returned by DisableAutoCommit while a transaction is open.
	ErrTxActive = errors.New("txbound: transaction already active on connection")

	// ErrAutoCommit is returned by Commit and Rollback on a connection in
	// auto-commit mode.
	ErrAutoCommit = errors.New("txbound: connection is in auto-commit mode")
)

// AcquisitionError reports that a connection could not be obtained or
// prepared for a transaction.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire connection: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// CommitError reports a failed commit. The connection has been released.
type CommitError struct {
	TxID string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit transaction %s: %v", e.TxID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// RollbackError reports a failed rollback. The connection has been released.
type RollbackError struct {
	TxID string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback transaction %s: %v", e.TxID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// RepositoryError wraps a failed statement.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// NewRepositoryError returns nil when err is nil.
func NewRepositoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Op: op, Err: err}
}

// DomainValidationError reports a violated business rule.
type DomainValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *DomainValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s=%v: %s", e.Field, e.Value, e.Reason)
}

type expectedError struct {
	err error
}

func (e *expectedError) Error() string { return e.err.Error() }
func (e *expectedError) Unwrap() error { return e.err }

// Expected marks err as a recoverable outcome. A Boundary with the default
// policy commits when the wrapped function returns an expected error.
func Expected(err error) error {
	if err == nil {
		return nil
	}
	return &expectedError{err: err}
}

// IsExpected reports whether err, or any error it wraps, was marked by Expected.
func IsExpected(err error) bool {
	var e *expectedError
	return errors.As(err, &e)
}
