package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type runIDKey struct{}
type scheduleIDKey struct{}
type guardianKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches the validation run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts the validation run id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run id.
func NewRunID() string {
	return uuid.NewString()
}

// WithScheduleID marks a context as originating from a scheduled firing.
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, scheduleIDKey{}, scheduleID)
}

// ScheduleID extracts the originating schedule id. Returns "" for manual runs.
func ScheduleID(ctx context.Context) string {
	if v, ok := ctx.Value(scheduleIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithGuardian attaches the participant type currently executing.
func WithGuardian(ctx context.Context, guardian string) context.Context {
	return context.WithValue(ctx, guardianKey{}, guardian)
}

// Guardian extracts the executing participant type. Returns "" if absent.
func Guardian(ctx context.Context) string {
	if v, ok := ctx.Value(guardianKey{}).(string); ok {
		return v
	}
	return ""
}
