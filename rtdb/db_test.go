package rtdb

import (
	"context"
	"testing"
	"time"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
)

func newTestDB() *DB {
	return New(WithMaxEvents(8), WithCompaction(100, 10))
}

func TestUpsertEntityAndFetch(t *testing.T) {
	db := newTestDB()
	eid := id.NewEntityId()
	db.UpsertEntity(Entity{ID: eid, Name: "mu", Body: LockBody{}, Birth: ptime.Now()})

	got, ok := db.Entity(eid)
	if !ok {
		t.Fatal("expected entity to exist")
	}
	if got.Name != "mu" {
		t.Fatalf("got name %q", got.Name)
	}
}

func TestUpsertEntityLinksProcessScope(t *testing.T) {
	db := newTestDB()
	sid := db.EnsureProcessScope("proc", 1234)

	eid := id.NewEntityId()
	db.UpsertEntity(Entity{ID: eid, Name: "mu", Body: LockBody{}, Birth: ptime.Now()})

	links := db.Links()
	found := false
	for _, l := range links {
		if l.EntityID == eid && l.ScopeID == sid {
			found = true
		}
	}
	if !found {
		t.Fatal("expected entity to be auto-linked to process scope")
	}
}

func TestUpsertEntityLinksTaskScope(t *testing.T) {
	db := newTestDB()
	taskSid := db.EnsureTaskScope("task-1")
	db.SetTaskScopeResolver(func() (id.ScopeId, bool) { return taskSid, true })

	eid := id.NewEntityId()
	db.UpsertEntity(Entity{ID: eid, Name: "fut", Body: FutureBody{}, Birth: ptime.Now()})

	links := db.Links()
	found := false
	for _, l := range links {
		if l.EntityID == eid && l.ScopeID == taskSid {
			found = true
		}
	}
	if !found {
		t.Fatal("expected entity to be linked to resolved task scope")
	}
}

func TestRenameEntity(t *testing.T) {
	db := newTestDB()
	eid := id.NewEntityId()
	db.UpsertEntity(Entity{ID: eid, Name: "a", Body: LockBody{}, Birth: ptime.Now()})

	if !db.RenameEntity(eid, "b") {
		t.Fatal("expected rename to succeed")
	}
	if db.RenameEntity(eid, "b") {
		t.Fatal("expected no-op rename to report no change")
	}
	got, _ := db.Entity(eid)
	if got.Name != "b" {
		t.Fatalf("got name %q", got.Name)
	}
}

func TestMutateEntityBodyOnlyEmitsOnChange(t *testing.T) {
	db := newTestDB()
	eid := id.NewEntityId()
	db.UpsertEntity(Entity{ID: eid, Name: "mu", Body: LockBody{Held: false}, Birth: ptime.Now()})

	before := db.CurrentCursor()

	changed := db.MutateEntityBody(eid, func(b EntityBody) EntityBody {
		return b // identical
	})
	if changed {
		t.Fatal("expected no-op mutation to report unchanged")
	}
	after := db.CurrentCursor()
	if after.NextSeq != before.NextSeq {
		t.Fatal("expected no new change to be appended")
	}

	changed = db.MutateEntityBody(eid, func(b EntityBody) EntityBody {
		lb := b.(LockBody)
		lb.Held = true
		lb.HolderID = "task-1"
		return lb
	})
	if !changed {
		t.Fatal("expected mutation to report changed")
	}
	got, _ := db.Entity(eid)
	if !got.Body.(LockBody).Held {
		t.Fatal("expected body to reflect mutation")
	}
}

func TestRemoveEntityRemovesIncidentEdgesAndLinks(t *testing.T) {
	db := newTestDB()
	a := id.NewEntityId()
	b := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.UpsertEntity(Entity{ID: b, Name: "b", Body: LockBody{}, Birth: ptime.Now()})
	db.UpsertEdge(a, b, EdgeWaitingOn, "")

	sid := db.EnsureProcessScope("proc", 1)
	db.LinkEntityToScope(a, sid)
	// An event referencing a keeps its tombstone from being swept at once.
	db.RecordEvent(Event{ID: "ev-1", Target: TargetEntity(a), At: ptime.Now(), Kind: "created"})

	db.RemoveEntity(a)

	for _, e := range db.Edges() {
		if e.Src == a || e.Dst == a {
			t.Fatal("expected incident edges to be removed")
		}
	}
	for _, l := range db.Links() {
		if l.EntityID == a {
			t.Fatal("expected links to be removed")
		}
	}

	got, ok := db.Entity(a)
	if !ok {
		t.Fatal("expected tombstoned entity to still be fetchable until swept")
	}
	if !got.Tombstoned() {
		t.Fatal("expected entity to be tombstoned")
	}
}

func TestRemoveEntitySweepsImmediatelyWhenNoEventRefs(t *testing.T) {
	db := newTestDB()
	a := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.RemoveEntity(a)

	if _, ok := db.Entity(a); ok {
		t.Fatal("expected entity with no event refs to be swept immediately")
	}
}

func TestRemoveEntityDefersSweepUntilEventEvicted(t *testing.T) {
	db := newTestDB() // ring capacity 8
	a := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.RecordEvent(Event{ID: "ev-1", Target: TargetEntity(a), At: ptime.Now(), Kind: "created"})

	db.RemoveEntity(a)
	if _, ok := db.Entity(a); !ok {
		t.Fatal("expected tombstoned entity with a live event ref to linger")
	}

	for i := 0; i < 8; i++ {
		db.RecordEvent(Event{ID: id.New("ev"), Target: TargetEntity(id.NewEntityId()), At: ptime.Now(), Kind: "noise"})
	}

	if _, ok := db.Entity(a); ok {
		t.Fatal("expected entity to be swept once its last event was evicted")
	}
}

func TestUpsertEdgeRejectsMissingOrTombstonedEndpoints(t *testing.T) {
	db := newTestDB()
	a := id.NewEntityId()
	b := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})

	db.UpsertEdge(a, b, EdgeWaitingOn, "") // b doesn't exist
	if len(db.Edges()) != 0 {
		t.Fatal("expected edge to missing entity to be rejected")
	}

	db.UpsertEntity(Entity{ID: b, Name: "b", Body: LockBody{}, Birth: ptime.Now()})
	db.RemoveEntity(b)
	db.UpsertEdge(a, b, EdgeWaitingOn, "")
	if len(db.Edges()) != 0 {
		t.Fatal("expected edge to tombstoned entity to be rejected")
	}
}

func TestUpsertEdgeIdempotent(t *testing.T) {
	db := newTestDB()
	a := id.NewEntityId()
	b := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.UpsertEntity(Entity{ID: b, Name: "b", Body: LockBody{}, Birth: ptime.Now()})

	before := db.CurrentCursor()
	db.UpsertEdge(a, b, EdgeWaitingOn, "")
	mid := db.CurrentCursor()
	db.UpsertEdge(a, b, EdgeWaitingOn, "")
	after := db.CurrentCursor()

	if mid.NextSeq == before.NextSeq {
		t.Fatal("expected first upsert to append a change")
	}
	if mid.NextSeq != after.NextSeq {
		t.Fatal("expected duplicate upsert to be a no-op")
	}
}

func TestRecordEventRingEviction(t *testing.T) {
	db := New(WithMaxEvents(2), WithCompaction(1000, 10))
	for i := 0; i < 5; i++ {
		db.RecordEvent(Event{ID: id.New("ev"), Target: TargetScope(id.NewScopeId()), At: ptime.Now(), Kind: "tick"})
	}
	if len(db.Events()) != 2 {
		t.Fatalf("expected ring to cap at 2 events, got %d", len(db.Events()))
	}
}

func TestSubscribeReplaysBacklogThenStreamsNew(t *testing.T) {
	db := newTestDB()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})

	ch := db.Subscribe(ctx, 0)

	first := <-ch
	if first.Change.Kind != ChangeUpsertEntity {
		t.Fatalf("expected first replayed change to be upsert_entity, got %v", first.Change.Kind)
	}

	b := id.NewEntityId()
	db.UpsertEntity(Entity{ID: b, Name: "b", Body: FutureBody{}, Birth: ptime.Now()})

	select {
	case sc := <-ch:
		if sc.Change.Entity == nil || sc.Change.Entity.ID != b {
			t.Fatalf("expected streamed change for entity b, got %+v", sc.Change)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed change")
	}
}
