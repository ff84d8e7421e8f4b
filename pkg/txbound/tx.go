package txbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Outcome is the final state of a transaction.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeUnknown follows a failed commit; the server may or may not have
	// applied the work.
	OutcomeUnknown Outcome = "unknown"
)

// Tx is the handle returned by Manager.Begin. A participating Tx joined a
// transaction started further up the chain and cannot finalize it.
type Tx struct {
	id          string
	conn        Conn
	originating bool
	opts        Options
	// parent is the originating Tx a participant joined, if managed.
	parent *Tx

	started time.Time
	span    trace.Span
	slot    *slot

	mu              sync.Mutex
	done            bool
	afterCommit     []func(context.Context)
	afterCompletion []func(context.Context, Outcome)
}

func (t *Tx) ID() string { return t.id }

// Conn returns the connection the transaction runs on.
func (t *Tx) Conn() Conn { return t.conn }

func (t *Tx) Originating() bool { return t.originating }

func (t *Tx) Options() Options { return t.opts }

// AfterCommit registers fn to run once the originating transaction has
// committed and its connection has been released. Registrations on a
// participant are forwarded to the originating transaction.
func (t *Tx) AfterCommit(fn func(ctx context.Context)) {
	owner := t.owner()
	if owner == nil {
		return
	}
	owner.mu.Lock()
	defer owner.mu.Unlock()
	owner.afterCommit = append(owner.afterCommit, fn)
}

// AfterCompletion registers fn to run after the originating transaction
// finished, whatever the outcome.
func (t *Tx) AfterCompletion(fn func(ctx context.Context, outcome Outcome)) {
	owner := t.owner()
	if owner == nil {
		return
	}
	owner.mu.Lock()
	defer owner.mu.Unlock()
	owner.afterCompletion = append(owner.afterCompletion, fn)
}

func (t *Tx) owner() *Tx {
	if t.originating {
		return t
	}
	return t.parent
}

// finish marks t done and hands back the registered hooks.
func (t *Tx) finish() ([]func(context.Context), []func(context.Context, Outcome), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, nil, ErrTxDone
	}
	t.done = true
	return t.afterCommit, t.afterCompletion, nil
}

// OnCommit runs fn after the transaction active in ctx commits, or
// immediately when ctx carries no managed transaction.
func OnCommit(ctx context.Context, fn func(ctx context.Context)) {
	if tx, ok := Current(ctx); ok {
		tx.AfterCommit(fn)
		return
	}
	fn(ctx)
}

func (t *Tx) String() string {
	return fmt.Sprintf("tx(%s originating=%t)", t.id, t.originating)
}
