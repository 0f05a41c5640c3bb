package telemetry

import (
	"context"
)

// Context keys for correlation fields carried across goroutines and provider
// calls. Kept unexported; use the With*/ *From helpers.
type (
	runIDKey   struct{}
	planIDKey  struct{}
	targetKey  struct{}
	serviceKey struct{}
)

// WithRunID returns a context carrying the run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom extracts the run ID from the context, if present.
func RunIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey{}).(string)
	return v
}

// WithPlanID returns a context carrying the plan ID.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey{}, planID)
}

// PlanIDFrom extracts the plan ID from the context, if present.
func PlanIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(planIDKey{}).(string)
	return v
}

// WithTarget returns a context carrying the target name.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey{}, target)
}

// TargetFrom extracts the target name from the context, if present.
func TargetFrom(ctx context.Context) string {
	v, _ := ctx.Value(targetKey{}).(string)
	return v
}

// WithService returns a context carrying the service name.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, serviceKey{}, service)
}

// ServiceFrom extracts the service name from the context, if present.
func ServiceFrom(ctx context.Context) string {
	v, _ := ctx.Value(serviceKey{}).(string)
	return v
}

// LoggerFor builds a logger enriched with every correlation field present in
// the context.
func LoggerFor(ctx context.Context) *Logger {
	l := FromContext(ctx)
	if v := RunIDFrom(ctx); v != "" {
		l = l.WithRunID(v)
	}
	if v := PlanIDFrom(ctx); v != "" {
		l = l.WithPlanID(v)
	}
	if v := TargetFrom(ctx); v != "" {
		l = l.WithTarget(v)
	}
	if v := ServiceFrom(ctx); v != "" {
		l = l.WithService(v)
	}
	return l
}
