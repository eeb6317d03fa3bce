package wire

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

type fakeCutHandler struct{ cursor rtdb.Cursor }

func (f fakeCutHandler) HandleCutRequest(cutID string) rtdb.Cursor { return f.cursor }

func TestProcessHandlerRoundTrip(t *testing.T) {
	db := rtdb.New()
	db.UpsertScope(rtdb.Scope{ID: id.NewScopeId(), Name: "s", Body: rtdb.ProcessScopeBody{}, Birth: ptime.Now()})

	srv := httptest.NewServer(NewProcessHandler(db, fakeCutHandler{cursor: db.CurrentCursor()}))
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx := context.Background()

	resp, err := client.PullChanges(ctx, 0, 100)
	if err != nil {
		t.Fatalf("PullChanges: %v", err)
	}
	if len(resp.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(resp.Changes))
	}

	snap, err := client.Snapshot(ctx, 7)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Scopes) != 1 {
		t.Fatalf("expected 1 scope in snapshot, got %d", len(snap.Scopes))
	}
	if snap.SnapshotID != 7 {
		t.Fatalf("expected snapshot id echoed back, got %d", snap.SnapshotID)
	}

	cursor, err := client.RequestCut(ctx, "cut-1")
	if err != nil {
		t.Fatalf("RequestCut: %v", err)
	}
	if cursor.StreamID != string(db.StreamID()) {
		t.Fatalf("expected cursor stream id %q, got %q", db.StreamID(), cursor.StreamID)
	}
}
