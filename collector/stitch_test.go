package collector

import (
	"strings"
	"testing"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// TestStitchJoinsCrossProcessRequest verifies C12: an outgoing request in
// one process and the matching incoming request in another, sharing
// (method, request_id), become a single RpcCrossProcessStitch edge.
func TestStitchJoinsCrossProcessRequest(t *testing.T) {
	client := rtdb.New()
	outReq := id.NewEntityId()
	client.UpsertEntity(rtdb.Entity{
		ID:   outReq,
		Name: "out",
		Body: rtdb.RequestBody{Method: "Widgets.Get", RequestID: "r1", Outgoing: true, Connection: "conn-1", StartedAt: ptime.Now()},
		Birth: ptime.Now(),
	})

	server := rtdb.New()
	inReq := id.NewEntityId()
	server.UpsertEntity(rtdb.Entity{
		ID:   inReq,
		Name: "in",
		Body: rtdb.RequestBody{Method: "Widgets.Get", RequestID: "r1", Outgoing: false, Connection: "conn-1", StartedAt: ptime.Now()},
		Birth: ptime.Now(),
	})

	g := NewGraph()
	dumps := []ProcessDump{dumpOf("client-pid", client), dumpOf("server-pid", server)}
	for _, d := range dumps {
		Ingest(g, d)
	}
	Stitch(g, dumps)

	found := false
	for _, e := range g.Edges {
		if e.Kind == EdgeRpcCrossProcessStitch {
			found = true
			if e.Src.PID != "client-pid" || e.Dst.PID != "server-pid" {
				t.Fatalf("stitch edge must go from the outgoing process to the incoming process, got %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("expected a RpcCrossProcessStitch edge")
	}
}

// TestStitchIgnoresSameProcessLoopback: matching requests observed within
// the same process dump are not cross-process and must not be stitched.
func TestStitchIgnoresSameProcessLoopback(t *testing.T) {
	db := rtdb.New()
	out := id.NewEntityId()
	in := id.NewEntityId()
	db.UpsertEntity(rtdb.Entity{ID: out, Name: "out", Body: rtdb.RequestBody{Method: "M", RequestID: "r1", Outgoing: true}, Birth: ptime.Now()})
	db.UpsertEntity(rtdb.Entity{ID: in, Name: "in", Body: rtdb.RequestBody{Method: "M", RequestID: "r1", Outgoing: false}, Birth: ptime.Now()})

	g := NewGraph()
	dumps := []ProcessDump{dumpOf("p1", db)}
	Ingest(g, dumps[0])
	Stitch(g, dumps)

	for _, e := range g.Edges {
		if e.Kind == EdgeRpcCrossProcessStitch {
			t.Fatalf("same-process requests must not be stitched, got %+v", e)
		}
	}
}

// TestStitchCompletesCrossProcessCycle models the classic cross-process RPC
// deadlock: task1 in p1 calls p2 and waits for the reply; the task in p2
// handling that call turns around and calls back into p1, waiting on its
// reply; and that second call is handled by task1 itself (still blocked on
// the first call). Stitching both legs must close this into one cycle.
func TestStitchCompletesCrossProcessCycle(t *testing.T) {
	p1 := rtdb.New()
	task1 := id.NewEntityId()
	outToP2 := id.NewEntityId()
	inFromP2 := id.NewEntityId()
	p1.UpsertEntity(rtdb.Entity{ID: task1, Name: "task1", Body: rtdb.FutureBody{}, Birth: ptime.Now()})
	p1.UpsertEntity(rtdb.Entity{ID: outToP2, Name: "out", Body: rtdb.RequestBody{Method: "P2.Handle", RequestID: "r1", Outgoing: true, Connection: "c1", StartedAt: ptime.Now()}, Birth: ptime.Now()})
	p1.UpsertEntity(rtdb.Entity{ID: inFromP2, Name: "in", Body: rtdb.RequestBody{Method: "P1.Callback", RequestID: "r2", Outgoing: false, Connection: "c1", StartedAt: ptime.Now()}, Birth: ptime.Now()})
	p1.UpsertEdge(task1, outToP2, rtdb.EdgeWaitingOn, "")
	p1.UpsertEdge(task1, inFromP2, rtdb.EdgeHolds, "") // task1 is handling the callback

	p2 := rtdb.New()
	task2 := id.NewEntityId()
	inFromP1 := id.NewEntityId()
	outToP1 := id.NewEntityId()
	p2.UpsertEntity(rtdb.Entity{ID: task2, Name: "task2", Body: rtdb.FutureBody{}, Birth: ptime.Now()})
	p2.UpsertEntity(rtdb.Entity{ID: inFromP1, Name: "in", Body: rtdb.RequestBody{Method: "P2.Handle", RequestID: "r1", Outgoing: false, Connection: "c1", StartedAt: ptime.Now()}, Birth: ptime.Now()})
	p2.UpsertEntity(rtdb.Entity{ID: outToP1, Name: "out", Body: rtdb.RequestBody{Method: "P1.Callback", RequestID: "r2", Outgoing: true, Connection: "c1", StartedAt: ptime.Now()}, Birth: ptime.Now()})
	p2.UpsertEdge(task2, inFromP1, rtdb.EdgeHolds, "") // task2 is handling P1's original call
	p2.UpsertEdge(task2, outToP1, rtdb.EdgeWaitingOn, "")

	g := NewGraph()
	dumps := []ProcessDump{dumpOf("p1", p1), dumpOf("p2", p2)}
	for _, d := range dumps {
		Ingest(g, d)
	}
	Stitch(g, dumps)

	candidates := Analyze(g, DefaultThresholds())
	if len(candidates) == 0 {
		t.Fatal("expected a cross-process cycle candidate after stitching")
	}
	spansMultipleProcesses := false
	for _, n := range candidates[0].Nodes {
		if n.PID == "p2" {
			spansMultipleProcesses = true
		}
	}
	if !spansMultipleProcesses {
		t.Fatalf("expected the cycle to include a p2 node, got %+v", candidates[0].Nodes)
	}

	foundSpanRationale := false
	for _, line := range candidates[0].Rationale {
		if strings.Contains(line, "spans 2 processes") {
			foundSpanRationale = true
		}
	}
	if !foundSpanRationale {
		t.Fatalf("expected rationale to call out the process span, got %v", candidates[0].Rationale)
	}
}
