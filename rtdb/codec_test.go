package rtdb

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
)

func TestEntityJSONRoundTripsTaggedBody(t *testing.T) {
	e := Entity{
		ID:        id.NewEntityId(),
		Name:      "sem",
		Body:      SemaphoreBody{MaxPermits: 8, HandedOutPermits: 3},
		Backtrace: id.NewBacktraceId(),
		Birth:     ptime.Now(),
		Source:    "pool.go:42",
	}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Entity
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(e, back) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", e, back)
	}
	if back.Body.Kind() != KindSemaphore {
		t.Fatalf("expected semaphore body kind, got %q", back.Body.Kind())
	}
}

func TestEntityJSONRejectsUnknownBodyKind(t *testing.T) {
	var e Entity
	err := json.Unmarshal([]byte(`{"id":"x","name":"x","body":{"kind":"no_such_kind","data":{}}}`), &e)
	if err == nil {
		t.Fatal("expected unknown body kind to fail decoding")
	}
}

func TestSnapshotJSONRoundTripsStructurally(t *testing.T) {
	db := New()
	db.EnsureProcessScope("proc", 7)
	a := id.NewEntityId()
	b := id.NewEntityId()
	db.UpsertEntity(Entity{ID: a, Name: "a", Body: FutureBody{}, Birth: ptime.Now()})
	db.UpsertEntity(Entity{ID: b, Name: "b", Body: LockBody{}, Birth: ptime.Now()})
	db.UpsertEdge(a, b, EdgeWaitingOn, "")
	db.RecordEvent(Event{ID: "ev-1", Target: TargetEntity(a), At: ptime.Now(), Kind: "created"})

	snap := db.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var back Snapshot
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	if !reflect.DeepEqual(snap.Entities, back.Entities) {
		t.Fatal("entities changed across serialization")
	}
	if !reflect.DeepEqual(snap.Scopes, back.Scopes) {
		t.Fatal("scopes changed across serialization")
	}
	if !reflect.DeepEqual(snap.Edges, back.Edges) {
		t.Fatal("edges changed across serialization")
	}
	if !reflect.DeepEqual(snap.Events, back.Events) {
		t.Fatal("events changed across serialization")
	}
	if back.Cursor != snap.Cursor || back.PtimeNowMs != snap.PtimeNowMs {
		t.Fatal("snapshot header changed across serialization")
	}
}
