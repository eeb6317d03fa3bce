package causal

import (
	"context"

	"github.com/riglabs/peeps/id"
)

type contextKey struct{}

// WithTarget returns a copy of ctx carrying scope as the current task
// scope. This is the preferred way to propagate "what is the current
// task" through code that already threads a context.Context — which is
// most Go code, unlike the raw-goroutine case GoroutineStack exists for.
func WithTarget(ctx context.Context, scope id.ScopeId) context.Context {
	return context.WithValue(ctx, contextKey{}, scope)
}

// FromContext returns the task scope ctx was tagged with via WithTarget,
// if any.
func FromContext(ctx context.Context) (id.ScopeId, bool) {
	v := ctx.Value(contextKey{})
	if v == nil {
		return "", false
	}
	return v.(id.ScopeId), true
}

// Resolver builds a rtdb.TaskScopeResolver-shaped function (a func() (id.ScopeId, bool))
// backed by either a GoroutineStack, a context.Context, or both: the
// context is checked first since it is the common case, falling back to
// the goroutine-identity stack for code with no Context in hand.
type Resolver struct {
	Goroutines *GoroutineStack
	ctx        context.Context
}

// WithContext returns a Resolver that also consults ctx before falling
// back to the goroutine stack.
func (r Resolver) WithContext(ctx context.Context) Resolver {
	r.ctx = ctx
	return r
}

// Current resolves the current task scope, context first, then
// goroutine-identity.
func (r Resolver) Current() (id.ScopeId, bool) {
	if r.ctx != nil {
		if sid, ok := FromContext(r.ctx); ok {
			return sid, true
		}
	}
	if r.Goroutines != nil {
		return r.Goroutines.Current()
	}
	return "", false
}
