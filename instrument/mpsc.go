package instrument

import (
	"context"
	"errors"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// ErrClosed is returned by MpscTx.Send and MpscRx.Recv once the channel
// has been closed.
var ErrClosed = errors.New("instrument: channel closed")

type mpscCore[T any] struct {
	db    DB
	ch    chan T
	txID  id.EntityId
	rxID  id.EntityId
	bt    id.BacktraceId
	cap   int
	close chan struct{}
}

// NewMpsc creates a bounded multi-producer single-consumer channel of the
// given capacity, returning its two instrumented halves.
func NewMpsc[T any](db DB, name string, capacity int) (*MpscTx[T], *MpscRx[T]) {
	txID := id.NewEntityId()
	rxID := id.NewEntityId()
	bt, site := callerBacktrace(db, 2)
	db.UpsertEntity(rtdb.Entity{ID: txID, Name: name + ".tx", Body: rtdb.MpscTxBody{Capacity: capacity}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	db.UpsertEntity(rtdb.Entity{ID: rxID, Name: name + ".rx", Body: rtdb.MpscRxBody{Capacity: capacity}, Backtrace: bt, Birth: ptime.Now(), Source: site})
	db.UpsertEdge(txID, rxID, rtdb.EdgePaired, bt)

	core := &mpscCore[T]{db: db, ch: make(chan T, capacity), txID: txID, rxID: rxID, bt: bt, cap: capacity, close: make(chan struct{})}
	return &MpscTx[T]{core: core}, &MpscRx[T]{core: core}
}

func (c *mpscCore[T]) syncTxBody() {
	c.db.MutateEntityBody(c.txID, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.MpscTxBody{Capacity: c.cap, QueueLen: len(c.ch), Closed: isClosed(c.close)}
	})
}

func (c *mpscCore[T]) syncRxBody() {
	c.db.MutateEntityBody(c.rxID, func(rtdb.EntityBody) rtdb.EntityBody {
		return rtdb.MpscRxBody{Capacity: c.cap, QueueLen: len(c.ch), Closed: isClosed(c.close)}
	})
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// MpscTx is the sending half of an instrumented mpsc channel.
type MpscTx[T any] struct {
	core *mpscCore[T]
}

// ID returns the sender entity's id.
func (tx *MpscTx[T]) ID() id.EntityId { return tx.core.txID }

// Send enqueues v, blocking (and recording a waits-on edge from sender to
// receiver) while the channel is full.
func (tx *MpscTx[T]) Send(ctx context.Context, sender id.EntityId, v T) error {
	if isClosed(tx.core.close) {
		return ErrClosed
	}
	select {
	case tx.core.ch <- v:
		tx.core.syncTxBody()
		tx.core.syncRxBody()
		return nil
	default:
	}

	tx.core.db.UpsertEdge(sender, tx.core.rxID, rtdb.EdgeWaitingOn, tx.core.bt)
	defer tx.core.db.RemoveEdge(sender, tx.core.rxID, rtdb.EdgeWaitingOn)

	select {
	case tx.core.ch <- v:
		tx.core.syncTxBody()
		tx.core.syncRxBody()
		return nil
	case <-tx.core.close:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the channel closed; pending sends and receives observe
// ErrClosed/io.EOF-equivalent behavior.
func (tx *MpscTx[T]) Close() {
	select {
	case <-tx.core.close:
	default:
		close(tx.core.close)
		tx.core.syncTxBody()
		tx.core.syncRxBody()
	}
}

// MpscRx is the receiving half of an instrumented mpsc channel.
type MpscRx[T any] struct {
	core *mpscCore[T]
}

// ID returns the receiver entity's id.
func (rx *MpscRx[T]) ID() id.EntityId { return rx.core.rxID }

// Recv dequeues the next value, blocking (and recording a waits-on edge
// from receiver to sender) while the channel is empty.
func (rx *MpscRx[T]) Recv(ctx context.Context, receiver id.EntityId) (T, error) {
	select {
	case v := <-rx.core.ch:
		rx.core.syncTxBody()
		rx.core.syncRxBody()
		return v, nil
	default:
	}

	rx.core.db.UpsertEdge(receiver, rx.core.txID, rtdb.EdgeWaitingOn, rx.core.bt)
	defer rx.core.db.RemoveEdge(receiver, rx.core.txID, rtdb.EdgeWaitingOn)

	select {
	case v := <-rx.core.ch:
		rx.core.syncTxBody()
		rx.core.syncRxBody()
		return v, nil
	case <-rx.core.close:
		var zero T
		select {
		case v := <-rx.core.ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close removes both the sender and receiver entities.
func (rx *MpscRx[T]) Close() {
	rx.core.db.RemoveEntity(rx.core.txID)
	rx.core.db.RemoveEntity(rx.core.rxID)
}
