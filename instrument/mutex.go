package instrument

import (
	"context"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// Mutex is a mutual-exclusion lock backed by a single-slot channel rather
// than sync.Mutex, so Lock can select on ctx cancellation the way a
// contended Tokio mutex's .lock().await can be cancelled.
type Mutex struct {
	db DB
	id id.EntityId
	bt id.BacktraceId
	ch chan struct{}
}

// NewMutex creates an unlocked, instrumented mutex.
func NewMutex(db DB, name string) *Mutex {
	mid := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{ID: mid, Name: name, Body: rtdb.LockBody{}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	return &Mutex{db: db, id: mid, bt: bt, ch: ch}
}

// ID returns the lock entity's id.
func (m *Mutex) ID() id.EntityId { return m.id }

// Lock acquires the mutex on behalf of holder, recording a waits-on edge
// for the duration of any actual contention.
func (m *Mutex) Lock(ctx context.Context, holder id.EntityId) error {
	select {
	case <-m.ch:
		m.markHeld(holder)
		return nil
	default:
	}

	m.db.UpsertEdge(holder, m.id, rtdb.EdgeWaitingOn, m.bt)
	defer m.db.RemoveEdge(holder, m.id, rtdb.EdgeWaitingOn)

	select {
	case <-m.ch:
		m.markHeld(holder)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mutex) markHeld(holder id.EntityId) {
	since := ptime.Now()
	m.db.MutateEntityBody(m.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.LockBody{Held: true, HolderID: string(holder), HeldSince: &since}
	})
	m.db.UpsertEdge(holder, m.id, rtdb.EdgeHolds, m.bt)
}

// Unlock releases the mutex held by holder.
func (m *Mutex) Unlock(holder id.EntityId) {
	m.db.RemoveEdge(holder, m.id, rtdb.EdgeHolds)
	m.db.MutateEntityBody(m.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.LockBody{}
	})
	m.ch <- struct{}{}
}

// Close removes the lock entity. Callers must not call Close while holding
// the lock.
func (m *Mutex) Close() { m.db.RemoveEntity(m.id) }
