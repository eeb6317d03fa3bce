package instrument

import (
	"context"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// Notify is a single-permit wakeup primitive: Notify stores at most one
// outstanding permit, and Wait consumes it (or blocks until one arrives),
// matching tokio::sync::Notify's semantics.
type Notify struct {
	db   DB
	id   id.EntityId
	bt   id.BacktraceId
	perm chan struct{}
}

// NewNotify creates an instrumented Notify with no outstanding permit.
func NewNotify(db DB, name string) *Notify {
	nid := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{ID: nid, Name: name, Body: rtdb.NotifyBody{}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	return &Notify{db: db, id: nid, bt: bt, perm: make(chan struct{}, 1)}
}

// ID returns the notify entity's id.
func (n *Notify) ID() id.EntityId { return n.id }

// Notify stores a permit if none is already outstanding.
func (n *Notify) Notify() {
	select {
	case n.perm <- struct{}{}:
		n.db.MutateEntityBody(n.id, func(rtdb.EntityBody) rtdb.EntityBody {
			return rtdb.NotifyBody{Permits: 1}
		})
	default:
	}
}

// Wait consumes a permit, blocking (and recording a waits-on edge) until
// one is available or ctx is cancelled.
func (n *Notify) Wait(ctx context.Context, waiter id.EntityId) error {
	select {
	case <-n.perm:
		n.db.MutateEntityBody(n.id, func(rtdb.EntityBody) rtdb.EntityBody {
			return rtdb.NotifyBody{Permits: 0}
		})
		return nil
	default:
	}

	n.db.UpsertEdge(waiter, n.id, rtdb.EdgeWaitingOn, n.bt)
	defer n.db.RemoveEdge(waiter, n.id, rtdb.EdgeWaitingOn)

	select {
	case <-n.perm:
		n.db.MutateEntityBody(n.id, func(rtdb.EntityBody) rtdb.EntityBody {
			return rtdb.NotifyBody{Permits: 0}
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes the notify entity.
func (n *Notify) Close() { n.db.RemoveEntity(n.id) }
