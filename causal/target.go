package causal

import (
	"context"
	"sync"

	"github.com/riglabs/peeps/id"
)

// The causal-target stack: a per-goroutine ambient stack of EntityIds
// whose top names the current waiter — the entity any new waits-on edge
// should be attributed to. Wrappers that suspend (future.Future.Await,
// outgoing RPC interceptors) consult this when no explicit waiter is in
// hand, so blockage is attributed to the enclosing instrumented operation
// rather than an anonymous call site.
//
// Crossing a goroutine boundary does not inherit the stack; code that
// spawns goroutines should re-push the target on the new goroutine or
// carry it via WithWaiter/WaiterFromContext instead.

var targetMu sync.Mutex
var targetsByGID = make(map[uint64][]id.EntityId)

// PushTarget makes eid the calling goroutine's current causal target,
// returning the pop function the caller must invoke when the attribution
// ends (typically via defer). Push/pop pairs are strictly LIFO.
func PushTarget(eid id.EntityId) (pop func()) {
	gid, ok := goroutineID()
	if !ok {
		return func() {}
	}
	targetMu.Lock()
	targetsByGID[gid] = append(targetsByGID[gid], eid)
	targetMu.Unlock()

	return func() {
		targetMu.Lock()
		defer targetMu.Unlock()
		stack := targetsByGID[gid]
		if len(stack) == 0 {
			return
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			delete(targetsByGID, gid)
		} else {
			targetsByGID[gid] = stack
		}
	}
}

// CurrentTarget returns the calling goroutine's innermost causal target,
// if any.
func CurrentTarget() (id.EntityId, bool) {
	gid, ok := goroutineID()
	if !ok {
		return "", false
	}
	targetMu.Lock()
	defer targetMu.Unlock()
	stack := targetsByGID[gid]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1], true
}

type waiterKey struct{}

// WithWaiter returns a copy of ctx naming eid as the current causal
// target for any instrumented wait made through this context — the
// context-carried alternative to PushTarget for code that already threads
// a context.Context (which is most Go code).
func WithWaiter(ctx context.Context, eid id.EntityId) context.Context {
	return context.WithValue(ctx, waiterKey{}, eid)
}

// WaiterFromContext returns the causal target ctx carries, if any.
func WaiterFromContext(ctx context.Context) (id.EntityId, bool) {
	v := ctx.Value(waiterKey{})
	if v == nil {
		return "", false
	}
	return v.(id.EntityId), true
}

// ResolveWaiter picks the causal target an instrumented wait should
// attribute its waits-on edge to: the context's waiter if set, else the
// calling goroutine's innermost pushed target. The context wins because it
// is the explicit mechanism; the goroutine stack is the ambient fallback.
func ResolveWaiter(ctx context.Context) (id.EntityId, bool) {
	if ctx != nil {
		if eid, ok := WaiterFromContext(ctx); ok {
			return eid, true
		}
	}
	return CurrentTarget()
}
