// Package now provides clock injection via context.Context so tests can
// control what time the production code observes.
package now

import (
	"context"
	"time"
)

type contextKeyType string

// ContextKey is the context key under which a time.Time or NowProvider is
// stashed by TimeTravelingContext, or directly via context.WithValue.
const ContextKey contextKeyType = "now.ContextKey"

// NowProvider is a function that returns the current time; storing one
// under ContextKey lets each call to Now(ctx) advance independently,
// unlike storing a fixed time.Time.
type NowProvider func() time.Time

// Now returns the time stashed in ctx under ContextKey, if any, or the real
// wall-clock time otherwise. Panics if ctx carries a value under
// ContextKey of a type other than time.Time or NowProvider.
func Now(ctx context.Context) time.Time {
	v := ctx.Value(ContextKey)
	if v == nil {
		return time.Now().UTC()
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case NowProvider:
		return t()
	default:
		panic("now: ContextKey value must be time.Time or NowProvider")
	}
}

// timeTravelingContext is a context.Context whose Now() can be changed at
// will via SetTime, useful for tests that need to simulate the passage of
// time deterministically.
type timeTravelingContext struct {
	context.Context
	t *time.Time
}

// TimeTravelingContext creates a new time-traveling context rooted at
// context.Background(), initially reporting t.
func TimeTravelingContext(t time.Time) *timeTravelingContext {
	ttc := &timeTravelingContext{t: &t}
	ttc.Context = context.WithValue(context.Background(), ContextKey, NowProvider(func() time.Time {
		return *ttc.t
	}))
	return ttc
}

// SetTime changes the time this context reports from Now() onward.
func (c *timeTravelingContext) SetTime(t time.Time) {
	*c.t = t
}

// WithContext rebuilds this time-traveling context as a child of parent,
// preserving parent's other values. The clone starts at this context's
// current time and keeps its own clock: SetTime on one does not affect the
// other.
func (c *timeTravelingContext) WithContext(parent context.Context) *timeTravelingContext {
	t := *c.t
	child := &timeTravelingContext{t: &t}
	child.Context = context.WithValue(parent, ContextKey, NowProvider(func() time.Time {
		return *child.t
	}))
	return child
}
