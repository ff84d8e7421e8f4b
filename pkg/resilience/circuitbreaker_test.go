package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var errDown = errors.New("broker down")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(2, time.Minute).WithClock(clock.now)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Fatalf("state after one failure = %s", cb.State())
	}
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state after two failures = %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker let the call through: err=%v called=%v", err, called)
	}

	clock.advance(time.Minute)
	if err := cb.Execute(ctx, fail); !errors.Is(err, errDown) {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", cb.State())
	}

	clock.advance(time.Minute)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("successful probe should close, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, ok)
	}
	if cb.State() != StateClosed {
		t.Fatalf("alternating results opened the breaker")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatal("Reset did not close")
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

// Property: the breaker opens exactly when maxFailures consecutive
// failures have been recorded since the last success.
func TestProperty_OpensAfterConsecutiveFailures(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("open iff trailing failures reach max", prop.ForAll(
		func(max int, results []bool) bool {
			clock := &fakeClock{t: time.Unix(0, 0)}
			cb := NewCircuitBreaker(max, time.Hour).WithClock(clock.now)
			run := 0
			for _, success := range results {
				if cb.State() == StateOpen {
					break
				}
				if success {
					_ = cb.Execute(context.Background(), ok)
					run = 0
				} else {
					_ = cb.Execute(context.Background(), fail)
					run++
				}
				if (run >= max) != (cb.State() == StateOpen) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}
