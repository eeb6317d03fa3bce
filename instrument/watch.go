package instrument

import (
	"context"
	"sync"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// WatchTx is the sending half of a single-slot, latest-value-wins watch
// channel.
type WatchTx[T any] struct {
	db DB
	id id.EntityId
	bt id.BacktraceId

	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
	numSubs int
}

// NewWatch creates a watch channel seeded with initial, returning its
// sending half. Subscribe the receiving side via Tx.Subscribe.
func NewWatch[T any](db DB, name string, initial T) *WatchTx[T] {
	txID := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{ID: txID, Name: name, Body: rtdb.WatchTxBody{}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	return &WatchTx[T]{db: db, id: txID, bt: bt, value: initial, changed: make(chan struct{})}
}

// ID returns the sender entity's id.
func (tx *WatchTx[T]) ID() id.EntityId { return tx.id }

// Send publishes a new value to every subscriber.
func (tx *WatchTx[T]) Send(v T) {
	tx.mu.Lock()
	tx.value = v
	tx.version++
	ch := tx.changed
	tx.changed = make(chan struct{})
	tx.mu.Unlock()
	close(ch)
}

// Subscribe creates a new receiving handle, incrementing ReceiverCount.
func (tx *WatchTx[T]) Subscribe(name string) *WatchRx[T] {
	tx.mu.Lock()
	tx.numSubs++
	tx.mu.Unlock()
	tx.db.MutateEntityBody(tx.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.WatchTxBody{ReceiverCount: tx.numSubs}
	})

	rxID := id.NewEntityId()
	rxBt, rxSite := callerBacktrace(tx.db, 2)
	tx.db.UpsertEntity(rtdb.Entity{ID: rxID, Name: name, Body: rtdb.WatchRxBody{}, Backtrace: rxBt, Birth: ptime.Now(), Source: rxSite})
	tx.db.UpsertEdge(tx.id, rxID, rtdb.EdgePaired, rxBt)

	tx.mu.Lock()
	version := tx.version
	tx.mu.Unlock()
	return &WatchRx[T]{tx: tx, id: rxID, seenVersion: version}
}

// Close removes the sender entity.
func (tx *WatchTx[T]) Close() { tx.db.RemoveEntity(tx.id) }

// WatchRx is a receiving handle of a watch channel.
type WatchRx[T any] struct {
	tx          *WatchTx[T]
	id          id.EntityId
	seenVersion uint64
}

// ID returns this receiver entity's id.
func (rx *WatchRx[T]) ID() id.EntityId { return rx.id }

// Borrow returns the latest value without blocking.
func (rx *WatchRx[T]) Borrow() T {
	rx.tx.mu.Lock()
	defer rx.tx.mu.Unlock()
	return rx.tx.value
}

// Changed blocks (recording a waits-on edge to the sender) until a value
// newer than the last one this receiver observed is published.
func (rx *WatchRx[T]) Changed(ctx context.Context, waiter id.EntityId) (T, error) {
	rx.tx.mu.Lock()
	if rx.tx.version != rx.seenVersion {
		v := rx.tx.value
		rx.seenVersion = rx.tx.version
		rx.tx.mu.Unlock()
		rx.markSeen()
		return v, nil
	}
	ch := rx.tx.changed
	rx.tx.mu.Unlock()

	rx.tx.db.UpsertEdge(waiter, rx.tx.id, rtdb.EdgeWaitingOn, rx.tx.bt)
	defer rx.tx.db.RemoveEdge(waiter, rx.tx.id, rtdb.EdgeWaitingOn)

	select {
	case <-ch:
		rx.tx.mu.Lock()
		v := rx.tx.value
		rx.seenVersion = rx.tx.version
		rx.tx.mu.Unlock()
		rx.markSeen()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (rx *WatchRx[T]) markSeen() {
	rx.tx.db.MutateEntityBody(rx.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.WatchRxBody{Seen: true}
	})
}

// Close removes this receiver entity and decrements ReceiverCount.
func (rx *WatchRx[T]) Close() {
	rx.tx.mu.Lock()
	rx.tx.numSubs--
	n := rx.tx.numSubs
	rx.tx.mu.Unlock()
	rx.tx.db.MutateEntityBody(rx.tx.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.WatchTxBody{ReceiverCount: n}
	})
	rx.tx.db.RemoveEntity(rx.id)
}
