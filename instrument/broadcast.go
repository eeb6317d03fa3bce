package instrument

import (
	"context"
	"sync"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// BroadcastTx is the sending half of a fan-out broadcast channel: every
// Send is delivered to every current subscriber's own buffer. A subscriber
// whose buffer is full when a send arrives drops its oldest buffered value
// and is marked Lagged, mirroring tokio::sync::broadcast's lag semantics.
type BroadcastTx[T any] struct {
	db       DB
	id       id.EntityId
	bt       id.BacktraceId
	capacity int

	mu   sync.Mutex
	subs map[id.EntityId]chan T
}

// NewBroadcast creates a broadcast channel where each subscriber's buffer
// holds up to capacity undelivered values.
func NewBroadcast[T any](db DB, name string, capacity int) *BroadcastTx[T] {
	txID := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{
		ID:        txID,
		Name:      name,
		Body:      rtdb.BroadcastTxBody{Capacity: capacity},
		Backtrace: bt,
		Birth:     ptime.Now(),
		Source:    site,
	})
	return &BroadcastTx[T]{db: db, id: txID, bt: bt, capacity: capacity, subs: make(map[id.EntityId]chan T)}
}

// ID returns the sender entity's id.
func (tx *BroadcastTx[T]) ID() id.EntityId { return tx.id }

// Send delivers v to every current subscriber.
func (tx *BroadcastTx[T]) Send(v T) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for rxID, ch := range tx.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch: // drop oldest to make room
			default:
			}
			ch <- v
			tx.db.MutateEntityBody(rxID, func(rtdb.EntityBody) rtdb.EntityBody {
				return rtdb.BroadcastRxBody{Lagged: true}
			})
		}
	}
}

// Subscribe creates a new receiving handle.
func (tx *BroadcastTx[T]) Subscribe(name string) *BroadcastRx[T] {
	rxID := id.NewEntityId()
	ch := make(chan T, tx.capacity)

	tx.mu.Lock()
	tx.subs[rxID] = ch
	n := len(tx.subs)
	tx.mu.Unlock()

	rxBt, rxSite := callerBacktrace(tx.db, 2)
	tx.db.UpsertEntity(rtdb.Entity{ID: rxID, Name: name, Body: rtdb.BroadcastRxBody{}, Backtrace: rxBt, Birth: ptime.Now(), Source: rxSite})
	tx.db.UpsertEdge(tx.id, rxID, rtdb.EdgePaired, rxBt)
	tx.db.MutateEntityBody(tx.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.BroadcastTxBody{Capacity: tx.capacity, ReceiverCount: n}
	})

	return &BroadcastRx[T]{tx: tx, id: rxID, ch: ch}
}

// Close removes the sender entity. Subscribers already created keep
// working against their own buffered channel but receive no further
// values.
func (tx *BroadcastTx[T]) Close() { tx.db.RemoveEntity(tx.id) }

// BroadcastRx is one receiving handle of a broadcast channel.
type BroadcastRx[T any] struct {
	tx *BroadcastTx[T]
	id id.EntityId
	ch chan T
}

// ID returns this receiver entity's id.
func (rx *BroadcastRx[T]) ID() id.EntityId { return rx.id }

// Recv waits for the next value, recording a waits-on edge to the sender
// while none is buffered.
func (rx *BroadcastRx[T]) Recv(ctx context.Context, waiter id.EntityId) (T, error) {
	select {
	case v := <-rx.ch:
		return v, nil
	default:
	}

	rx.tx.db.UpsertEdge(waiter, rx.tx.id, rtdb.EdgeWaitingOn, rx.tx.bt)
	defer rx.tx.db.RemoveEdge(waiter, rx.tx.id, rtdb.EdgeWaitingOn)

	select {
	case v := <-rx.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close unsubscribes and removes this receiver entity.
func (rx *BroadcastRx[T]) Close() {
	rx.tx.mu.Lock()
	delete(rx.tx.subs, rx.id)
	n := len(rx.tx.subs)
	rx.tx.mu.Unlock()
	rx.tx.db.MutateEntityBody(rx.tx.id, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.BroadcastTxBody{Capacity: rx.tx.capacity, ReceiverCount: n}
	})
	rx.tx.db.RemoveEntity(rx.id)
}
