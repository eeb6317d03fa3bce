package handle

import "github.com/riglabs/peeps/id"

// ScopeRemover is the slice of *rtdb.DB a ScopeHandle needs.
type ScopeRemover interface {
	RemoveScope(id.ScopeId)
}

// ScopeHandle is an owning, ref-counted reference to a live scope. The last
// clone's Close triggers RemoveScope.
type ScopeHandle struct {
	id     id.ScopeId
	box    *refBox
	closed bool
	db     ScopeRemover
}

// NewScope wraps an already-upserted scope id in a fresh, single-owner
// handle.
func NewScope(db ScopeRemover, sid id.ScopeId) ScopeHandle {
	h := ScopeHandle{id: sid, db: db}
	h.box = newRefBox(func() { db.RemoveScope(sid) })
	return h
}

// ID returns the wrapped scope id.
func (h ScopeHandle) ID() id.ScopeId { return h.id }

// Clone returns a new owning handle sharing this one's refBox.
func (h ScopeHandle) Clone() (ScopeHandle, bool) {
	if h.closed || !h.box.clone() {
		return ScopeHandle{}, false
	}
	return ScopeHandle{id: h.id, box: h.box, db: h.db}, true
}

// Close releases this handle's share, idempotently.
func (h *ScopeHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.box.release()
}
