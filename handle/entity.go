package handle

import "github.com/riglabs/peeps/id"

// EntityRemover is the slice of *rtdb.DB an EntityHandle needs. Kept as a
// narrow interface so an EntityHandle depends only on RemoveEntity rather
// than on rtdb's full surface (other files of this package do import rtdb),
// matching the teacher's general preference for small consumer-defined
// interfaces over concrete deps across package boundaries.
type EntityRemover interface {
	RemoveEntity(id.EntityId)
}

// EntityHandle is an owning, ref-counted reference to a live entity. The
// last clone's Close triggers RemoveEntity.
type EntityHandle struct {
	id     id.EntityId
	box    *refBox
	closed bool
	db     EntityRemover
	rw     EntityDB // set only by New; nil for id-wrapping handles
}

// NewEntity wraps an already-upserted entity id in a fresh, single-owner
// handle.
func NewEntity(db EntityRemover, eid id.EntityId) EntityHandle {
	h := EntityHandle{id: eid, db: db}
	h.box = newRefBox(func() { db.RemoveEntity(eid) })
	return h
}

// ID returns the wrapped entity id.
func (h EntityHandle) ID() id.EntityId { return h.id }

// Clone returns a new owning handle sharing this one's refBox. Calling
// Clone on an already-closed handle returns the zero EntityHandle and
// false.
func (h EntityHandle) Clone() (EntityHandle, bool) {
	if h.closed || !h.box.clone() {
		return EntityHandle{}, false
	}
	return EntityHandle{id: h.id, box: h.box, db: h.db, rw: h.rw}, true
}

// Downgrade returns a WeakEntityHandle that does not keep the entity
// alive.
func (h EntityHandle) Downgrade() WeakEntityHandle {
	return WeakEntityHandle{id: h.id, box: h.box, db: h.db, rw: h.rw}
}

// Close releases this handle's share. Idempotent: a second Close on the
// same handle value is a no-op. When the last share across all clones is
// released, the underlying entity is removed from the database.
func (h *EntityHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.box.release()
}

// WeakEntityHandle observes an entity without keeping it alive.
type WeakEntityHandle struct {
	id  id.EntityId
	box *refBox
	db  EntityRemover
	rw  EntityDB
}

// ID returns the wrapped entity id.
func (w WeakEntityHandle) ID() id.EntityId { return w.id }

// Upgrade returns an owning EntityHandle if the entity is still alive.
func (w WeakEntityHandle) Upgrade() (EntityHandle, bool) {
	if !w.box.tryUpgrade() {
		return EntityHandle{}, false
	}
	return EntityHandle{id: w.id, box: w.box, db: w.db, rw: w.rw}, true
}
