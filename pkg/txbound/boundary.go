package txbound

import (
	"context"
	"errors"
)

// Boundary runs functions inside a transaction and picks commit or rollback
// from their result. Errors marked with Expected commit by default; any
// other error, including a *DomainValidationError, rolls back.
type Boundary struct {
	manager  *Manager
	opts     Options
	commitOn func(error) bool
}

// BoundaryOption configures a Boundary.
type BoundaryOption func(*Boundary)

// WithOptions sets the options used to begin the transaction.
func WithOptions(opts Options) BoundaryOption {
	return func(b *Boundary) { b.opts = opts }
}

// CommitOn replaces the commit policy. pred is only consulted for non-nil
// errors; a nil error always commits.
func CommitOn(pred func(error) bool) BoundaryOption {
	return func(b *Boundary) { b.commitOn = pred }
}

// CommitOnErrors commits when the error matches any target via errors.Is,
// in addition to errors marked with Expected.
func CommitOnErrors(targets ...error) BoundaryOption {
	return CommitOn(func(err error) bool {
		if IsExpected(err) {
			return true
		}
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	})
}

// NewBoundary creates a Boundary on m.
func NewBoundary(m *Manager, opts ...BoundaryOption) *Boundary {
	b := &Boundary{manager: m, commitOn: IsExpected}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run begins a transaction, calls fn with the transactional context and
// finalizes. fn's error is returned unchanged after finalization. A failed
// commit yields a *CommitError; a failed rollback is joined to fn's error.
// A panic in fn rolls back and is re-raised.
func (b *Boundary) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := b.manager.Begin(ctx, b.opts)
	if err != nil {
		return err
	}

	finalized := false
	defer func() {
		if finalized {
			return
		}
		if p := recover(); p != nil {
			_ = b.manager.Rollback(txCtx, tx)
			panic(p)
		}
	}()

	fnErr := fn(txCtx)
	finalized = true

	if fnErr != nil && !b.commitOn(fnErr) {
		if rbErr := b.manager.Rollback(txCtx, tx); rbErr != nil {
			return errors.Join(fnErr, rbErr)
		}
		return fnErr
	}

	if cErr := b.manager.Commit(txCtx, tx); cErr != nil {
		if fnErr != nil {
			return errors.Join(fnErr, cErr)
		}
		return cErr
	}
	return fnErr
}

// Transactional wraps op so every call runs through b.
func Transactional[In, Out any](b *Boundary, op func(ctx context.Context, in In) (Out, error)) func(ctx context.Context, in In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		var out Out
		err := b.Run(ctx, func(ctx context.Context) error {
			var opErr error
			out, opErr = op(ctx, in)
			return opErr
		})
		return out, err
	}
}
