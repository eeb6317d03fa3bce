package instrument

import (
	"context"
	"sync"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// OnceCell is a write-once cell: the first caller to reach Do runs f and
// stores its result; every other caller, concurrent or later, waits for
// (or receives) that same result.
type OnceCell[T any] struct {
	db   DB
	id   id.EntityId
	bt   id.BacktraceId
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewOnceCell creates an uninitialized, instrumented OnceCell.
func NewOnceCell[T any](db DB, name string) *OnceCell[T] {
	cid := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{ID: cid, Name: name, Body: rtdb.OnceCellBody{}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	return &OnceCell[T]{db: db, id: cid, bt: bt, done: make(chan struct{})}
}

// ID returns the cell entity's id.
func (c *OnceCell[T]) ID() id.EntityId { return c.id }

// Do initializes the cell by running f exactly once across all callers.
// Every caller that arrives before the cell is initialized, including the
// one that ends up running f, records a waits-on edge from waiter to the
// cell until Do returns.
func (c *OnceCell[T]) Do(ctx context.Context, waiter id.EntityId, f func() (T, error)) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	default:
	}

	c.db.UpsertEdge(waiter, c.id, rtdb.EdgeWaitingOn, c.bt)
	defer c.db.RemoveEdge(waiter, c.id, rtdb.EdgeWaitingOn)

	c.once.Do(func() {
		c.val, c.err = f()
		c.db.MutateEntityBody(c.id, func(rtdb.EntityBody) rtdb.EntityBody {
			return rtdb.OnceCellBody{Initialized: true}
		})
		close(c.done)
	})

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close removes the cell entity.
func (c *OnceCell[T]) Close() { c.db.RemoveEntity(c.id) }
