// Package future instruments an asynchronous computation so that the first
// time a caller actually has to wait on it, a waits-on edge is recorded —
// the Go re-expression of a poll() call returning Pending on its first
// invocation (SPEC_FULL.md §4.6). Go has no poll()/Future trait; the
// closest native shape is a channel that closes when a value is ready,
// which is what Source models.
package future

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/riglabs/peeps/causal"
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// Source is anything that eventually produces a T, signaling readiness by
// closing Done. Value must be safe to call any number of times after Done
// is closed, returning the same result each time.
type Source[T any] interface {
	Done() <-chan struct{}
	Value() (T, error)
}

// DB is the slice of *rtdb.DB the future package needs.
type DB interface {
	UpsertEntity(rtdb.Entity)
	MutateEntityBody(id.EntityId, func(rtdb.EntityBody) rtdb.EntityBody) bool
	UpsertEdge(src, dst id.EntityId, kind rtdb.EdgeKind, bt id.BacktraceId)
	RemoveEdge(src, dst id.EntityId, kind rtdb.EdgeKind)
	RemoveEntity(id.EntityId)
	RegisterBacktrace(site string) id.BacktraceId
}

// Future wraps a Source with a Future entity and waits-on edge bookkeeping.
type Future[T any] struct {
	db  DB
	id  id.EntityId
	bt  id.BacktraceId
	src Source[T]

	closeOnce sync.Once
}

// Wrap creates a Future entity named name, backed by src. The entity
// starts with Suspended=false; Await flips it to true only for the
// duration of an actual wait.
func Wrap[T any](db DB, name string, src Source[T]) *Future[T] {
	fid := id.NewEntityId()
	var bt id.BacktraceId
	var site string
	if _, file, line, ok := runtime.Caller(1); ok {
		site = fmt.Sprintf("%s:%d", file, line)
		bt = db.RegisterBacktrace(site)
	}
	db.UpsertEntity(rtdb.Entity{
		ID:        fid,
		Name:      name,
		Body:      rtdb.FutureBody{Suspended: false},
		Backtrace: bt,
		Birth:     ptime.Now(),
		Source:    site,
	})
	return &Future[T]{db: db, id: fid, bt: bt, src: src}
}

// ID returns the Future entity's id.
func (f *Future[T]) ID() id.EntityId { return f.id }

// Await blocks until the source is ready or ctx is cancelled. If the
// source is not already done on entry — the Go equivalent of poll()
// returning Pending the first time — a waits-on edge from waiter to this
// future is recorded for the duration of the wait, and the future's body
// is marked Suspended. Both are cleared once the wait ends, successfully
// or not.
//
// An empty waiter is resolved ambiently through the causal-target stack
// (causal.ResolveWaiter): the context's waiter if one was attached via
// causal.WithWaiter, else the calling goroutine's innermost pushed
// target. If neither names a waiter, the wait is not attributed and no
// edge is recorded.
func (f *Future[T]) Await(ctx context.Context, waiter id.EntityId) (T, error) {
	select {
	case <-f.src.Done():
		return f.src.Value()
	default:
	}

	if waiter == "" {
		waiter, _ = causal.ResolveWaiter(ctx)
	}

	f.db.MutateEntityBody(f.id, func(b rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.FutureBody{Suspended: true}
	})
	if waiter != "" {
		f.db.UpsertEdge(waiter, f.id, rtdb.EdgeWaitingOn, f.bt)
	}
	defer func() {
		if waiter != "" {
			f.db.RemoveEdge(waiter, f.id, rtdb.EdgeWaitingOn)
		}
		f.db.MutateEntityBody(f.id, func(b rtdb.EntityBody) rtdb.EntityBody {
			return rtdb.FutureBody{Suspended: false}
		})
	}()

	select {
	case <-f.src.Done():
		return f.src.Value()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close removes the Future entity. Idempotent.
func (f *Future[T]) Close() {
	f.closeOnce.Do(func() { f.db.RemoveEntity(f.id) })
}
