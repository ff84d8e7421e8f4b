package txbound

import (
	"context"
	"sync"
)

type slotKey struct{}

// slot is the per-chain registry entry. A fresh slot is created by every
// Bind, so chains that diverged before the bind never share it.
type slot struct {
	mu   sync.Mutex
	conn Conn
	tx   *Tx
}

func slotFrom(ctx context.Context) *slot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(slotKey{}).(*slot)
	return s
}

// Bind associates conn with the chain continuing from the returned context.
func Bind(ctx context.Context, conn Conn) (context.Context, error) {
	return bind(ctx, conn, nil)
}

func bind(ctx context.Context, conn Conn, tx *Tx) (context.Context, error) {
	if _, ok := Lookup(ctx); ok {
		return ctx, ErrReentrancy
	}
	s := &slot{conn: conn, tx: tx}
	if tx != nil {
		tx.slot = s
	}
	return context.WithValue(ctx, slotKey{}, s), nil
}

func (s *slot) clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}
	s.conn = nil
	s.tx = nil
	return true
}

// Lookup returns the connection bound to the chain, if any.
func Lookup(ctx context.Context) (Conn, bool) {
	s := slotFrom(ctx)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.conn != nil
}

// Unbind clears the chain's binding. Contexts derived from the bound one,
// including leaked ones, observe no connection afterwards.
func Unbind(ctx context.Context) error {
	s := slotFrom(ctx)
	if s == nil {
		return ErrNotBound
	}
	if !s.clear() {
		return ErrNotBound
	}
	return nil
}

// Current returns the originating managed transaction in scope.
func Current(ctx context.Context) (*Tx, bool) {
	s := slotFrom(ctx)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx, s.tx != nil
}
