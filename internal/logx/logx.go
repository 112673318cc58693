package logx

import (
	"context"

	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	batchKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithBatch annotates the logger with the batch id and mode if present.
func WithBatch(ctx context.Context, batchID schema.BatchID, mode schema.Mode) pslog.Logger {
	log := pslog.Ctx(ctx)
	if batchID == "" {
		return log
	}
	if current, ok := ctx.Value(batchKey).(schema.BatchID); ok && current == batchID {
		return log
	}
	log = log.With("batch", batchID)
	if mode != "" {
		log = log.With("mode", mode)
	}
	return log
}

// WithUnit annotates the logger with the unit ordinal.
func WithUnit(log pslog.Logger, ordinal int) pslog.Logger {
	if ordinal > 0 {
		log = log.With("ordinal", ordinal)
	}
	return log
}

// ContextWithBatch stores the batch marker on the context for log de-duplication.
func ContextWithBatch(ctx context.Context, batchID schema.BatchID) context.Context {
	if ctx == nil || batchID == "" {
		return ctx
	}
	return context.WithValue(ctx, batchKey, batchID)
}

// ContextWithBatchLogger attaches the logger and batch marker to the context.
func ContextWithBatchLogger(ctx context.Context, log pslog.Logger, batchID schema.BatchID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithBatch(ctx, batchID)
}
