package backend

import (
	"context"
	"fmt"
	"time"
)

type traceKey struct{}
type testModeKey struct{}

// WithTrace attaches a trace hook to ctx. Backends report every outbound request
// and, for scripts, every console line to it. Each diagnostic run attaches its own
// hook, so concurrent runs never share one.
func WithTrace(ctx context.Context, fn func(string)) context.Context {
	return context.WithValue(ctx, traceKey{}, fn)
}

// TraceFunc returns the hook attached to ctx, or nil.
func TraceFunc(ctx context.Context) func(string) {
	fn, _ := ctx.Value(traceKey{}).(func(string))
	return fn
}

func tracef(ctx context.Context, format string, args ...any) {
	if fn := TraceFunc(ctx); fn != nil {
		fn(fmt.Sprintf(format, args...))
	}
}

// WithTestMode marks ctx as a diagnostic run; scripts can observe it.
func WithTestMode(ctx context.Context) context.Context {
	return context.WithValue(ctx, testModeKey{}, true)
}

// IsTestMode reports whether ctx belongs to a diagnostic run.
func IsTestMode(ctx context.Context) bool {
	v, _ := ctx.Value(testModeKey{}).(bool)
	return v
}

type budgetKey struct{}

// WithAttemptTimeout bounds one match attempt and remembers the allowance so a
// TimeoutError can report it.
func WithAttemptTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, budgetKey{}, d)
	return context.WithTimeout(ctx, d)
}

// attemptBudget returns the allowance set by WithAttemptTimeout, if any.
func attemptBudget(ctx context.Context) time.Duration {
	d, _ := ctx.Value(budgetKey{}).(time.Duration)
	return d
}
