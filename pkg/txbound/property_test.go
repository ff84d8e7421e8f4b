package txbound_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/txbound/pkg/txbound"
	"github.com/nimburion/txbound/pkg/txbound/txboundtest"
)

// Property: a boundary makes either every statement or none of them durable.
func TestProperty_Atomicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("all or nothing", prop.ForAll(
		func(steps int, failAt int) bool {
			src := txboundtest.NewSource()
			b := txbound.NewBoundary(txbound.NewManager(src))

			err := b.Run(context.Background(), func(ctx context.Context) error {
				for i := 0; i < steps; i++ {
					if i == failAt {
						return &txbound.RepositoryError{Op: "update", Err: errors.New("constraint violation")}
					}
					if err := execBound(ctx, fmt.Sprintf("UPDATE t SET v = %d", i)); err != nil {
						return err
					}
				}
				return nil
			})

			committed := len(src.Committed())
			if failAt < steps {
				return err != nil && committed == 0
			}
			return err == nil && committed == steps
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}

// Property: every originating transaction releases exactly the connection it
// acquired, with auto-commit restored, whatever the outcome.
func TestProperty_PoolHygiene(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	type outcome int
	const (
		succeed outcome = iota
		fail
		expected
		panics
	)

	properties.Property("acquired == released and auto-commit restored", prop.ForAll(
		func(outcomes []int, failCommit bool, failRollback bool) bool {
			src := txboundtest.NewSource()
			if failCommit {
				src.FailCommit = errors.New("commit failed")
			}
			if failRollback {
				src.FailRollback = errors.New("rollback failed")
			}
			b := txbound.NewBoundary(txbound.NewManager(src))

			for _, o := range outcomes {
				func() {
					defer func() { _ = recover() }()
					_ = b.Run(context.Background(), func(ctx context.Context) error {
						_ = execBound(ctx, "UPDATE t SET v = 1")
						switch outcome(o) {
						case fail:
							return &txbound.DomainValidationError{Reason: "invalid"}
						case expected:
							return txbound.Expected(errors.New("soft"))
						case panics:
							panic("boom")
						}
						return nil
					})
				}()
			}

			return src.Acquired() == len(outcomes) &&
				src.Released() == src.Acquired() &&
				src.Outstanding() == 0 &&
				src.ReleasedInManualMode() == 0
		},
		gen.SliceOf(gen.IntRange(int(succeed), int(panics))),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: concurrent chains never observe each other's connection.
func TestProperty_ChainIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("each chain sees only its own connection", prop.ForAll(
		func(chains int) bool {
			src := txboundtest.NewSource()
			m := txbound.NewManager(src)
			root := context.Background()

			var wg sync.WaitGroup
			var mu sync.Mutex
			violations := 0
			for i := 0; i < chains; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = m.WithTransaction(root, func(ctx context.Context) error {
						own, _ := txbound.Current(ctx)
						for j := 0; j < 3; j++ {
							conn, ok := txbound.Lookup(ctx)
							if !ok || conn.ID() != own.Conn().ID() {
								mu.Lock()
								violations++
								mu.Unlock()
							}
						}
						return nil
					})
				}()
			}
			wg.Wait()

			_, leaked := txbound.Lookup(root)
			return violations == 0 && !leaked && src.Acquired() == chains && src.Outstanding() == 0
		},
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

// Property: finalizing a participant has no effect on the connection or the
// registry, however often it is called.
func TestProperty_ParticipantFinalizationIsNoop(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("participant commit/rollback is a no-op", prop.ForAll(
		func(ops []bool) bool {
			src := txboundtest.NewSource()
			m := txbound.NewManager(src)

			ctx, outer, err := m.Begin(context.Background(), txbound.Options{})
			if err != nil {
				return false
			}
			innerCtx, inner, err := m.Begin(ctx, txbound.Options{})
			if err != nil || inner.Originating() {
				return false
			}
			_ = execBound(innerCtx, "UPDATE t SET v = 1")

			for _, commit := range ops {
				if commit {
					err = m.Commit(innerCtx, inner)
				} else {
					err = m.Rollback(innerCtx, inner)
				}
				if err != nil {
					return false
				}
			}

			conn, bound := txbound.Lookup(ctx)
			unchanged := bound && !conn.AutoCommit() && len(src.Committed()) == 0 && src.Released() == 0

			if err := m.Commit(ctx, outer); err != nil {
				return false
			}
			return unchanged && len(src.Committed()) == 1
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
