package repository

import "context"

// TransactionManager runs fn inside a transaction. The context passed to fn
// carries the transaction's connection; repository calls made with it join
// the transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
