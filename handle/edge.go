package handle

import (
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/rtdb"
)

// EdgeRemover is the slice of *rtdb.DB an EdgeHandle needs.
type EdgeRemover interface {
	RemoveEdge(src, dst id.EntityId, kind rtdb.EdgeKind)
}

// EdgeKind is rtdb's edge kind; re-exported here so callers that only need
// handle don't also need to import rtdb for this one type.
type EdgeKind = rtdb.EdgeKind

// EdgeHandle is an owning, ref-counted reference to a live edge. The last
// clone's Close triggers RemoveEdge.
type EdgeHandle struct {
	src, dst id.EntityId
	kind     EdgeKind
	box      *refBox
	closed   bool
	db       EdgeRemover
}

// NewEdge wraps an already-upserted edge in a fresh, single-owner handle.
func NewEdge(db EdgeRemover, src, dst id.EntityId, kind EdgeKind) EdgeHandle {
	h := EdgeHandle{src: src, dst: dst, kind: kind, db: db}
	h.box = newRefBox(func() { db.RemoveEdge(src, dst, kind) })
	return h
}

// Src returns the edge's source entity id.
func (h EdgeHandle) Src() id.EntityId { return h.src }

// Dst returns the edge's destination entity id.
func (h EdgeHandle) Dst() id.EntityId { return h.dst }

// Kind returns the edge's kind.
func (h EdgeHandle) Kind() EdgeKind { return h.kind }

// Clone returns a new owning handle sharing this one's refBox.
func (h EdgeHandle) Clone() (EdgeHandle, bool) {
	if h.closed || !h.box.clone() {
		return EdgeHandle{}, false
	}
	return EdgeHandle{src: h.src, dst: h.dst, kind: h.kind, box: h.box, db: h.db}, true
}

// Close releases this handle's share, idempotently.
func (h *EdgeHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.box.release()
}
