package handle

import (
	"testing"

	"github.com/riglabs/peeps/id"
)

type fakeEntityRemover struct {
	removed []id.EntityId
}

func (f *fakeEntityRemover) RemoveEntity(eid id.EntityId) {
	f.removed = append(f.removed, eid)
}

func TestEntityHandleClosesOnLastShare(t *testing.T) {
	db := &fakeEntityRemover{}
	eid := id.NewEntityId()

	h := NewEntity(db, eid)
	clone, ok := h.Clone()
	if !ok {
		t.Fatal("expected clone to succeed")
	}

	h.Close()
	if len(db.removed) != 0 {
		t.Fatal("expected entity to survive while a clone is still live")
	}

	clone.Close()
	if len(db.removed) != 1 || db.removed[0] != eid {
		t.Fatalf("expected entity removed exactly once, got %v", db.removed)
	}
}

func TestEntityHandleCloseIsIdempotent(t *testing.T) {
	db := &fakeEntityRemover{}
	h := NewEntity(db, id.NewEntityId())
	h.Close()
	h.Close()
	if len(db.removed) != 1 {
		t.Fatalf("expected double close to remove exactly once, got %d", len(db.removed))
	}
}

func TestEntityHandleDowngradeUpgrade(t *testing.T) {
	db := &fakeEntityRemover{}
	eid := id.NewEntityId()
	h := NewEntity(db, eid)

	weak := h.Downgrade()
	upgraded, ok := weak.Upgrade()
	if !ok {
		t.Fatal("expected upgrade to succeed while owner is alive")
	}

	h.Close()
	if len(db.removed) != 0 {
		t.Fatal("expected entity to survive: upgraded handle still holds a share")
	}
	upgraded.Close()
	if len(db.removed) != 1 {
		t.Fatal("expected entity removed after last share closes")
	}

	if _, ok := weak.Upgrade(); ok {
		t.Fatal("expected upgrade to fail once the entity is gone")
	}
}

func TestEntityHandleCloneAfterCloseFails(t *testing.T) {
	db := &fakeEntityRemover{}
	h := NewEntity(db, id.NewEntityId())
	h.Close()

	if _, ok := h.Clone(); ok {
		t.Fatal("expected clone of a closed handle to fail")
	}
}
