package rtdb

import (
	"testing"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
)

func TestPullChangesFromZeroReturnsEverything(t *testing.T) {
	db := New(WithCompaction(1000, 10))
	a := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})

	resp, err := db.PullChanges(0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(resp.Changes))
	}
	if resp.NextSeqNo != db.CurrentCursor().NextSeq {
		t.Fatal("expected NextSeqNo to match the db's current cursor")
	}
}

func TestPullChangesRespectsMax(t *testing.T) {
	db := New(WithCompaction(1000, 10))
	for i := 0; i < 5; i++ {
		db.UpsertScope(Scope{ID: id.NewScopeId(), Name: "s", Body: ProcessScopeBody{}, Birth: ptime.Now()})
	}

	resp, err := db.PullChanges(0, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Changes) != 2 {
		t.Fatalf("expected 2 changes with max=2, got %d", len(resp.Changes))
	}
	if resp.NextSeqNo != resp.Changes[1].SeqNo+1 {
		t.Fatal("expected NextSeqNo to follow the last returned change")
	}

	resp2, err := db.PullChanges(resp.NextSeqNo, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp2.Changes) != 3 {
		t.Fatalf("expected remaining 3 changes, got %d", len(resp2.Changes))
	}
}

func TestPullChangesTooOld(t *testing.T) {
	db := New(WithCompaction(2, 1))
	for i := 0; i < 10; i++ {
		db.UpsertScope(Scope{ID: id.NewScopeId(), Name: "s", Body: ProcessScopeBody{}, Birth: ptime.Now()})
	}

	_, err := db.PullChanges(0, 0)
	if err != ErrCursorTooOld {
		t.Fatalf("expected ErrCursorTooOld, got %v", err)
	}
}

func TestPullChangesAtCurrentCursorIsEmpty(t *testing.T) {
	db := New()
	a := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})

	cur := db.CurrentCursor()
	resp, err := db.PullChanges(cur.NextSeq, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Changes) != 0 {
		t.Fatalf("expected no changes at current cursor, got %d", len(resp.Changes))
	}
}
