// Package cut implements the coordinated-cut protocol (C8) between a
// single collector and many instrumented processes (SPEC_FULL.md §4.8):
// the collector asks every connected process "where are you right now,"
// each process answers with a cursor promise, and once every process has
// answered (or a quiescence timeout elapses) the cut anchors a consistent
// diagnostic view across processes. Grounded on
// internal/server/watchdog.go's ticker-driven "no progress within window"
// loop, repurposed from service-phase stalls to unacknowledged cuts.
package cut

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/rtdb"
)

// DefaultQuiescenceTimeout is the default wait before a cut is declared
// partial, matching spec.md §5's "default 3 s, tunable."
const DefaultQuiescenceTimeout = 3 * time.Second

// ErrDuplicateCut is returned by Coordinator.Open when cutID already names
// an open or completed cut.
var ErrDuplicateCut = errors.New("cut: duplicate cut id")

// ProcessSide is the process-side half of the protocol: on receipt of a
// CutRequest it samples the database's current cursor and hands it back.
// It implements wire.CutRequestHandler without importing package wire,
// keeping cut dependency-free of the transport layer.
type ProcessSide struct {
	db *rtdb.DB
}

// NewProcessSide wraps db for cut-request handling.
func NewProcessSide(db *rtdb.DB) *ProcessSide { return &ProcessSide{db: db} }

// HandleCutRequest samples the current cursor. The cursor is a first-class
// promise (spec.md §9): every change before it has been, or will be,
// delivered under this stream id before anything at or after it.
func (p *ProcessSide) HandleCutRequest(cutID string) rtdb.Cursor {
	return p.db.CurrentCursor()
}

// ProcessAck is one process's answer to a cut request.
type ProcessAck struct {
	ProcessID string
	Cursor    rtdb.Cursor
	AckedAt   time.Time
}

// cutState tracks one open cut on the collector side.
type cutState struct {
	id        id.CutId
	pending   map[string]struct{}
	acks      map[string]ProcessAck
	requested time.Time
	done      chan struct{}
	partial   bool
}

// Coordinator is the collector-side state machine for cuts: it opens a cut
// against a known set of connected process ids, collects CutAcks, and
// declares the cut quiescent (complete) once every process has acked or the
// quiescence timeout elapses. Late acks for vanished processes, and
// duplicate cut ids, are rejected per spec.md §4.8/§4.12.
type Coordinator struct {
	mu                sync.Mutex
	quiescenceTimeout time.Duration
	cuts              map[id.CutId]*cutState
}

// NewCoordinator creates a Coordinator using the default quiescence
// timeout. Use WithQuiescenceTimeout to override it.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		quiescenceTimeout: DefaultQuiescenceTimeout,
		cuts:              make(map[id.CutId]*cutState),
	}
}

// WithQuiescenceTimeout overrides the default quiescence window.
func (co *Coordinator) WithQuiescenceTimeout(d time.Duration) *Coordinator {
	co.quiescenceTimeout = d
	return co
}

// Open begins a new cut against the given set of currently-connected
// process ids, which become its pending set. It returns immediately, with
// ErrDuplicateCut if cutID is already open; call Wait to block until the
// cut is quiescent.
func (co *Coordinator) Open(cutID id.CutId, connectedProcessIDs []string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if _, exists := co.cuts[cutID]; exists {
		return ErrDuplicateCut
	}

	pending := make(map[string]struct{}, len(connectedProcessIDs))
	for _, p := range connectedProcessIDs {
		pending[p] = struct{}{}
	}
	cs := &cutState{
		id:        cutID,
		pending:   pending,
		acks:      make(map[string]ProcessAck),
		requested: time.Now(),
		done:      make(chan struct{}),
	}
	if len(pending) == 0 {
		close(cs.done)
	}
	co.cuts[cutID] = cs
	return nil
}

// Ack records a CutAck from processID. A late ack for a process not named
// in the pending set for this cut (e.g. it had already disconnected, or it
// already acked) is silently ignored, matching spec.md §4.12's "late acks
// after reconnection are ignored."
func (co *Coordinator) Ack(cutID id.CutId, processID string, cursor rtdb.Cursor) {
	co.mu.Lock()
	defer co.mu.Unlock()

	cs, ok := co.cuts[cutID]
	if !ok {
		return
	}
	if _, stillPending := cs.pending[processID]; !stillPending {
		return
	}
	delete(cs.pending, processID)
	cs.acks[processID] = ProcessAck{ProcessID: processID, Cursor: cursor, AckedAt: time.Now()}
	if len(cs.pending) == 0 {
		close(cs.done)
	}
}

// DisconnectProcess removes processID from every cut's pending set without
// recording an ack, so the cut doesn't wait out its full timeout for a
// process that is known to be gone (spec.md §4.12's "mark connection
// closed; purge from active cuts").
func (co *Coordinator) DisconnectProcess(processID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, cs := range co.cuts {
		if _, ok := cs.pending[processID]; ok {
			delete(cs.pending, processID)
			if len(cs.pending) == 0 {
				select {
				case <-cs.done:
				default:
					close(cs.done)
				}
			}
		}
	}
}

// Result is the outcome of waiting on a cut: every ack received, and
// whether the cut completed because every process acked (Partial=false)
// or because the quiescence timeout elapsed first (Partial=true).
type Result struct {
	CutID   id.CutId
	Acks    []ProcessAck
	Partial bool
}

// Wait blocks until cutID is quiescent: every pending process has acked, or
// the quiescence timeout elapses, whichever comes first. ctx cancellation
// also unblocks Wait, returning ctx.Err().
func (co *Coordinator) Wait(ctx context.Context, cutID id.CutId) (Result, error) {
	co.mu.Lock()
	cs, ok := co.cuts[cutID]
	co.mu.Unlock()
	if !ok {
		return Result{}, errors.New("cut: unknown cut id")
	}

	timer := time.NewTimer(co.quiescenceTimeout)
	defer timer.Stop()

	select {
	case <-cs.done:
	case <-timer.C:
		co.mu.Lock()
		cs.partial = true
		co.mu.Unlock()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	acks := make([]ProcessAck, 0, len(cs.acks))
	for _, a := range cs.acks {
		acks = append(acks, a)
	}
	return Result{CutID: cutID, Acks: acks, Partial: cs.partial}, nil
}

// Forget drops a completed cut's bookkeeping.
func (co *Coordinator) Forget(cutID id.CutId) {
	co.mu.Lock()
	defer co.mu.Unlock()
	delete(co.cuts, cutID)
}
