package wire

import (
	"testing"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

func TestPullChangesFastForwardsPastCompaction(t *testing.T) {
	db := rtdb.New(rtdb.WithCompaction(2, 1))
	for i := 0; i < 10; i++ {
		db.UpsertScope(rtdb.Scope{ID: id.NewScopeId(), Name: "s", Body: rtdb.ProcessScopeBody{}, Birth: ptime.Now()})
	}

	resp := PullChanges(db, 0, 0)
	if !resp.Truncated {
		t.Fatal("expected Truncated=true when requesting from before the compaction watermark")
	}
	if resp.CompactedBeforeSeqNo == nil {
		t.Fatal("expected CompactedBeforeSeqNo to be set")
	}
	if resp.FromSeqNo != *resp.CompactedBeforeSeqNo {
		t.Fatalf("expected FromSeqNo to be fast-forwarded to the watermark, got %d vs %d", resp.FromSeqNo, *resp.CompactedBeforeSeqNo)
	}
}

func TestPullChangesMaxZeroIsAProbe(t *testing.T) {
	db := rtdb.New()
	db.UpsertScope(rtdb.Scope{ID: id.NewScopeId(), Name: "s", Body: rtdb.ProcessScopeBody{}, Birth: ptime.Now()})

	resp := PullChanges(db, 0, 0)
	if len(resp.Changes) != 0 {
		t.Fatalf("max=0 must return no changes, got %d", len(resp.Changes))
	}
	if !resp.Truncated {
		t.Fatal("expected Truncated=true: a change exists at or after the cursor")
	}
	if resp.NextSeqNo != 0 {
		t.Fatalf("expected NextSeqNo to stay at the effective cursor, got %d", resp.NextSeqNo)
	}

	drained := PullChanges(db, 0, 100)
	empty := PullChanges(db, drained.NextSeqNo, 0)
	if empty.Truncated {
		t.Fatal("expected Truncated=false once the log is fully consumed")
	}
}

func TestPullChangesFlagsTruncationBeyondMax(t *testing.T) {
	db := rtdb.New()
	for i := 0; i < 5; i++ {
		db.UpsertScope(rtdb.Scope{ID: id.NewScopeId(), Name: "s", Body: rtdb.ProcessScopeBody{}, Birth: ptime.Now()})
	}

	resp := PullChanges(db, 0, 2)
	if len(resp.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(resp.Changes))
	}
	if !resp.Truncated {
		t.Fatal("expected Truncated=true with changes remaining beyond max")
	}

	rest := PullChanges(db, resp.NextSeqNo, 100)
	if rest.Truncated {
		t.Fatal("expected Truncated=false once the remainder fits under max")
	}
	if len(resp.Changes)+len(rest.Changes) != 5 {
		t.Fatalf("expected the two pulls to cover all 5 changes, got %d", len(resp.Changes)+len(rest.Changes))
	}
}

func TestFromCursor(t *testing.T) {
	c := rtdb.Cursor{StreamID: "stream-1", NextSeq: 42}
	sc := FromCursor(c)
	if sc.StreamID != "stream-1" || sc.NextSeqNo != 42 {
		t.Fatalf("unexpected conversion: %+v", sc)
	}
}
