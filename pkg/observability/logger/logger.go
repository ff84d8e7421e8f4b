package logger

import (
	"context"
)

// Logger is the structured logger used by the transaction manager, the
// connection sources and the CLI. Log methods take a message followed by
// key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the given key-value pairs to
	// every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the request and
	// transaction identifiers found in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	txIDKey      contextKey = "tx_id"
)

// ContextWithRequestID returns a copy of ctx tagged with a request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithTxID returns a copy of ctx tagged with a transaction id.
func ContextWithTxID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, txIDKey, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// TxID returns the transaction id stored in ctx, if any.
func TxID(ctx context.Context) string {
	return stringValue(ctx, txIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// contextFields collects the identifiers carried by ctx as key-value pairs.
func contextFields(ctx context.Context) []any {
	var fields []any
	if id := RequestID(ctx); id != "" {
		fields = append(fields, "request_id", id)
	}
	if id := TxID(ctx); id != "" {
		fields = append(fields, "tx_id", id)
	}
	return fields
}
