// Package tracing provides OpenTelemetry spans for transactions, repository
// statements and outbox publishing.
package tracing

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBUpdate SpanOperation = "db.update"
	SpanOperationDBDelete SpanOperation = "db.delete"
	SpanOperationDBTx     SpanOperation = "db.transaction"

	SpanOperationMsgPublish SpanOperation = "messaging.publish"
)

const (
	transactionScope = "txbound/transaction"
	databaseScope    = "txbound/database"
	messagingScope   = "txbound/messaging"
)

// StartTransactionSpan opens the span covering an originating transaction.
func StartTransactionSpan(ctx context.Context, name string, isolation sql.IsolationLevel, readOnly bool) (context.Context, trace.Span) {
	spanName := string(SpanOperationDBTx)
	if name != "" {
		spanName = fmt.Sprintf("%s %s", SpanOperationDBTx, name)
	}
	ctx, span := otel.Tracer(transactionScope).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("db.operation", string(SpanOperationDBTx)),
		attribute.String("db.transaction.isolation", isolation.String()),
		attribute.Bool("db.transaction.read_only", readOnly),
	)
	return ctx, span
}

// EndTransactionSpan records the outcome and ends span.
func EndTransactionSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("db.transaction.outcome", outcome))
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// StartDatabaseSpan creates a span for a single repository statement.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.table != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.table)
	}

	ctx, span := otel.Tracer(databaseScope).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	table      string
	attributes []attribute.KeyValue
}

// WithDBTable sets the table name.
func WithDBTable(table string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.table = table
		opts.attributes = append(opts.attributes, attribute.String("db.table", table))
	}
}

// WithDBStatement sets the SQL statement.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.statement", statement))
	}
}

// WithDBConnection tags the span with the connection identity, which ties
// statements of the same transaction together.
func WithDBConnection(id string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.connection.id", id))
	}
}

// StartPublishSpan creates a producer span for publishing an outbox entry.
func StartPublishSpan(ctx context.Context, system, destination, messageID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(messagingScope).Start(ctx,
		fmt.Sprintf("%s %s", SpanOperationMsgPublish, destination),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("messaging.operation", string(SpanOperationMsgPublish)),
		attribute.String("messaging.system", system),
		attribute.String("messaging.destination", destination),
		attribute.String("messaging.message_id", messageID),
	)
	return ctx, span
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
