package instrument

import (
	"context"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// Semaphore is a counting semaphore backed by a buffered channel of
// tokens.
type Semaphore struct {
	db     DB
	id     id.EntityId
	bt     id.BacktraceId
	tokens chan struct{}
	max    int
}

// NewSemaphore creates a semaphore with maxPermits tokens available.
func NewSemaphore(db DB, name string, maxPermits int) *Semaphore {
	sid := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{
		ID:        sid,
		Name:      name,
		Body:      rtdb.SemaphoreBody{MaxPermits: maxPermits},
		Backtrace: bt,
		Birth:     ptime.Now(),
		Source:    site,
	})
	tokens := make(chan struct{}, maxPermits)
	for i := 0; i < maxPermits; i++ {
		tokens <- struct{}{}
	}
	return &Semaphore{db: db, id: sid, bt: bt, tokens: tokens, max: maxPermits}
}

// ID returns the semaphore entity's id.
func (s *Semaphore) ID() id.EntityId { return s.id }

// Acquire takes one permit on behalf of holder, recording a waits-on edge
// for the duration of any actual contention.
func (s *Semaphore) Acquire(ctx context.Context, holder id.EntityId) error {
	select {
	case <-s.tokens:
		s.markAcquired(holder)
		return nil
	default:
	}

	s.db.UpsertEdge(holder, s.id, rtdb.EdgeWaitingOn, s.bt)
	defer s.db.RemoveEdge(holder, s.id, rtdb.EdgeWaitingOn)

	select {
	case <-s.tokens:
		s.markAcquired(holder)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semaphore) markAcquired(holder id.EntityId) {
	s.db.MutateEntityBody(s.id, func(b rtdb.EntityBody) rtdb.EntityBody {
		sb := b.(rtdb.SemaphoreBody)
		sb.HandedOutPermits++
		return sb
	})
	s.db.UpsertEdge(holder, s.id, rtdb.EdgeOwns, s.bt)
}

// Release returns one permit held by holder.
func (s *Semaphore) Release(holder id.EntityId) {
	s.db.RemoveEdge(holder, s.id, rtdb.EdgeOwns)
	s.db.MutateEntityBody(s.id, func(b rtdb.EntityBody) rtdb.EntityBody {
		sb := b.(rtdb.SemaphoreBody)
		sb.HandedOutPermits--
		return sb
	})
	s.tokens <- struct{}{}
}

// Close removes the semaphore entity.
func (s *Semaphore) Close() { s.db.RemoveEntity(s.id) }
