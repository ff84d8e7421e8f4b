// Package txbound propagates a transaction-scoped database connection
// through a call chain and orchestrates commit and rollback around it.
//
// A Manager acquires a Conn from a Source, switches it to manual-commit mode
// and binds it to the returned context. Repository code discovers the bound
// connection through Lookup, so every statement issued inside the chain runs
// on the same session. Nested Begin calls join the active transaction and
// their Commit and Rollback are no-ops; only the originating transaction
// finalizes, unbinds, restores auto-commit and releases, in that order.
//
// Boundary wraps a function in a transaction declaratively and decides
// between commit and rollback from the returned error.
package txbound
