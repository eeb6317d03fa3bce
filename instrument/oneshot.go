package instrument

import (
	"context"
	"sync/atomic"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

type oneshotCore[T any] struct {
	db   DB
	ch   chan T
	txID id.EntityId
	rxID id.EntityId
	bt   id.BacktraceId
	sent atomic.Bool
}

// NewOneshot creates a single-value, single-use channel, returning its two
// instrumented halves.
func NewOneshot[T any](db DB, name string) (*OneshotTx[T], *OneshotRx[T]) {
	txID := id.NewEntityId()
	rxID := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{ID: txID, Name: name + ".tx", Body: rtdb.OneshotTxBody{}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	db.UpsertEntity(rtdb.Entity{ID: rxID, Name: name + ".rx", Body: rtdb.OneshotRxBody{}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	db.UpsertEdge(txID, rxID, rtdb.EdgePaired, bt)

	core := &oneshotCore[T]{db: db, ch: make(chan T, 1), txID: txID, rxID: rxID, bt: bt}
	return &OneshotTx[T]{core: core}, &OneshotRx[T]{core: core}
}

// OneshotTx is the sending half of an instrumented oneshot cell.
type OneshotTx[T any] struct {
	core *oneshotCore[T]
}

// ID returns the sender entity's id.
func (tx *OneshotTx[T]) ID() id.EntityId { return tx.core.txID }

// Send delivers v. Sending more than once panics, matching a oneshot
// channel's single-use contract.
func (tx *OneshotTx[T]) Send(v T) {
	if !tx.core.sent.CompareAndSwap(false, true) {
		panic("instrument: oneshot Send called more than once")
	}
	tx.core.ch <- v
	tx.core.db.MutateEntityBody(tx.core.txID, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.OneshotTxBody{Sent: true}
	})
}

// OneshotRx is the receiving half of an instrumented oneshot cell.
type OneshotRx[T any] struct {
	core *oneshotCore[T]
}

// ID returns the receiver entity's id.
func (rx *OneshotRx[T]) ID() id.EntityId { return rx.core.rxID }

// Recv waits for the value, recording a waits-on edge from receiver to
// sender while none has arrived.
func (rx *OneshotRx[T]) Recv(ctx context.Context, receiver id.EntityId) (T, error) {
	select {
	case v := <-rx.core.ch:
		rx.markReceived()
		return v, nil
	default:
	}

	rx.core.db.UpsertEdge(receiver, rx.core.txID, rtdb.EdgeWaitingOn, rx.core.bt)
	defer rx.core.db.RemoveEdge(receiver, rx.core.txID, rtdb.EdgeWaitingOn)

	select {
	case v := <-rx.core.ch:
		rx.markReceived()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (rx *OneshotRx[T]) markReceived() {
	rx.core.db.MutateEntityBody(rx.core.rxID, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.OneshotRxBody{Received: true}
	})
}

// Close removes both the sender and receiver entities.
func (rx *OneshotRx[T]) Close() {
	rx.core.db.RemoveEntity(rx.core.txID)
	rx.core.db.RemoveEntity(rx.core.rxID)
}
