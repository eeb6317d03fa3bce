package rtdb

import (
	"testing"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
)

func TestSnapshotCapturesFullGraph(t *testing.T) {
	db := New()
	sid := db.EnsureProcessScope("proc", 1)
	a := id.NewEntityId()
	b := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.UpsertEntity(Entity{ID: b, Name: "b", Body: LockBody{}, Birth: ptime.Now()})
	db.UpsertEdge(a, b, EdgeWaitingOn, "")
	db.RecordEvent(Event{ID: "ev-1", Target: TargetEntity(a), At: ptime.Now(), Kind: "created"})

	snap := db.Snapshot()

	if len(snap.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(snap.Entities))
	}
	if len(snap.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(snap.Edges))
	}
	if len(snap.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(snap.Events))
	}
	foundLink := false
	for _, l := range snap.Links {
		if l.EntityID == a && l.ScopeID == sid {
			foundLink = true
		}
	}
	if !foundLink {
		t.Fatal("expected process-scope link to appear in snapshot")
	}
	if snap.Cursor.NextSeq != db.CurrentCursor().NextSeq {
		t.Fatal("expected snapshot cursor to match current cursor when nothing changed between calls")
	}
}

func TestSnapshotIsACopyNotAView(t *testing.T) {
	db := New()
	a := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})

	snap := db.Snapshot()
	db.RenameEntity(a, "renamed")

	if snap.Entities[0].Name != "a" {
		t.Fatal("expected snapshot entity to be unaffected by later mutation")
	}
}
