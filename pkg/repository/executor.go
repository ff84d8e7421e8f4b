// Package repository holds the contract shared by all repository
// operations: every operation takes the executor it must run on as a
// mandatory argument and never commits, rolls back or releases it.
//
// Run and Query adapt such operations to callers outside a transaction.
package repository

import (
	"context"

	"github.com/nimburion/txbound/pkg/txbound"
)

// SQLExecutor is the connection a repository operation runs its statements on.
type SQLExecutor = txbound.Querier

// Run calls fn with the connection bound to ctx when a transaction is in
// scope. Otherwise it acquires a connection from src, calls fn in
// auto-commit mode and releases the connection exactly once.
func Run(ctx context.Context, src txbound.Source, fn func(ctx context.Context, ex SQLExecutor) error) error {
	return txbound.WithConnection(ctx, src, func(ctx context.Context, conn txbound.Conn) error {
		return fn(ctx, conn)
	})
}

// Query is Run for operations that produce a value.
func Query[T any](ctx context.Context, src txbound.Source, fn func(ctx context.Context, ex SQLExecutor) (T, error)) (T, error) {
	var out T
	err := Run(ctx, src, func(ctx context.Context, ex SQLExecutor) error {
		var err error
		out, err = fn(ctx, ex)
		return err
	})
	return out, err
}
