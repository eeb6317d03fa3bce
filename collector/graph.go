// Package collector implements the collector-side wait-graph builder (C10)
// and cycle/severity analyzer (C11): it ingests the replayed per-process
// entity/scope/edge/event tables produced by applying a process's changes
// through a cut's cursor, normalizes them into a canonical directed graph,
// and finds strongly connected components ranked by severity
// (SPEC_FULL.md §4.10-§4.11). Grounded on internal/server/watchdog.go's
// buildDiagnosticSnapshot: the same "replay events into a diagnostic
// structure" shape, generalized from service phases to arbitrary entity
// bodies.
package collector

import (
	"fmt"
	"time"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// NodeKind identifies which NodeID variant a node carries. The core
// variants are exactly spec.md §4.10's enumeration; Semaphore, Notify,
// BroadcastChannel, and Command are an **[EXPANSION]** added because this
// module's instrument package implements those primitive kinds too and
// spec.md's own ingest rules says "for each channel/semaphore/once-cell,
// emit the corresponding node" without naming a NodeId variant for them.
type NodeKind string

const (
	NodeTask           NodeKind = "task"
	NodeFuture         NodeKind = "future"
	NodeLock           NodeKind = "lock"
	NodeMpscChannel    NodeKind = "mpsc_channel"
	NodeOneshotChannel NodeKind = "oneshot_channel"
	NodeWatchChannel   NodeKind = "watch_channel"
	NodeOnceCell       NodeKind = "once_cell"
	NodeRpcRequest     NodeKind = "rpc_request"
	NodeProcess        NodeKind = "process"

	// [EXPANSION] — not named by spec.md §4.10's NodeId enumeration, but
	// needed because the instrument package implements these primitive
	// kinds too (see §4.10's own "for each channel/semaphore/once-cell,
	// emit the corresponding node").
	NodeSemaphore        NodeKind = "semaphore"
	NodeNotify           NodeKind = "notify"
	NodeBroadcastChannel NodeKind = "broadcast_channel"
	NodeCommand          NodeKind = "command"
)

// NodeID is the tagged union spec.md §4.10 specifies, keying a graph node.
// Not every field is meaningful for every Kind; see the New* constructors.
type NodeID struct {
	Kind       NodeKind
	PID        string
	TaskID     string
	Name       string
	Connection string
	RequestID  string
}

// String renders a NodeID into a stable, lexicographically-sortable key —
// used both as the Graph.Nodes map key and as the deterministic iteration
// order Tarjan's algorithm requires (spec.md §4.11).
func (n NodeID) String() string {
	switch n.Kind {
	case NodeProcess:
		return fmt.Sprintf("process:%s", n.PID)
	case NodeTask:
		return fmt.Sprintf("task:%s/%s", n.PID, n.TaskID)
	case NodeRpcRequest:
		return fmt.Sprintf("rpc_request:%s/%s/%s", n.PID, n.Connection, n.RequestID)
	default:
		return fmt.Sprintf("%s:%s/%s", n.Kind, n.PID, n.Name)
	}
}

func taskNode(pid, taskID string) NodeID   { return NodeID{Kind: NodeTask, PID: pid, TaskID: taskID} }
func processNode(pid string) NodeID        { return NodeID{Kind: NodeProcess, PID: pid} }
func resourceNode(kind NodeKind, pid, name string) NodeID {
	return NodeID{Kind: kind, PID: pid, Name: name}
}
func rpcNode(pid, connection, requestID string) NodeID {
	return NodeID{Kind: NodeRpcRequest, PID: pid, Connection: connection, RequestID: requestID}
}

// EdgeKind identifies a collector-graph edge's causal relation. These are
// distinct from rtdb.EdgeKind (the in-process edge vocabulary) — C10's job
// is precisely to normalize the latter into the former.
type EdgeKind string

const (
	EdgeTaskSpawnedTask       EdgeKind = "task_spawned_task"
	EdgeTaskWaitsOnResource   EdgeKind = "task_waits_on_resource"
	EdgeResourceOwnedByTask   EdgeKind = "resource_owned_by_task"
	EdgeRpcClientToRequest    EdgeKind = "rpc_client_to_request"
	EdgeRpcRequestToServer    EdgeKind = "rpc_request_to_server_task"
	EdgeRpcCrossProcessStitch EdgeKind = "rpc_cross_process_stitch"
)

// blockingKinds is the edge-kind subset the cycle analyzer (C11) searches:
// everything else is explanatory, not blocking (spec.md §4.11).
var blockingKinds = map[EdgeKind]bool{
	EdgeTaskWaitsOnResource:   true,
	EdgeResourceOwnedByTask:   true,
	EdgeRpcClientToRequest:    true,
	EdgeRpcRequestToServer:    true,
	EdgeRpcCrossProcessStitch: true,
}

// Edge is a directed edge in the collector's normalized graph.
type Edge struct {
	Src, Dst     NodeID
	Kind         EdgeKind
	SeverityHint int
}

// Node is one vertex of the collector's normalized graph. AgeSecs is how
// long the underlying task has existed or the RPC has been in flight as of
// the dump's Now; the severity scorer reads it off task and RPC nodes.
type Node struct {
	ID      NodeID
	Label   string
	AgeSecs float64
}

// Graph is the normalized, possibly cross-process wait graph C10 builds
// and C11 analyzes.
type Graph struct {
	Nodes map[string]Node
	Edges []Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]Node)}
}

func (g *Graph) addNode(n NodeID, label string, ageSecs float64) {
	key := n.String()
	existing, ok := g.Nodes[key]
	if !ok {
		g.Nodes[key] = Node{ID: n, Label: label, AgeSecs: ageSecs}
		return
	}
	if ageSecs > existing.AgeSecs {
		existing.AgeSecs = ageSecs
		g.Nodes[key] = existing
	}
}

func (g *Graph) addEdge(e Edge) {
	g.addNode(e.Src, e.Src.String(), 0)
	g.addNode(e.Dst, e.Dst.String(), 0)
	g.Edges = append(g.Edges, e)
}

// ProcessDump is the replayed state of one process's runtime database as
// of a cut's cursor — conceptually the result of applying all of that
// process's stored changes up through the cursor (produced by
// store.Replay in this module, see SPEC_FULL.md §6).
type ProcessDump struct {
	PID      string
	Now      ptime.Ptime
	Entities []rtdb.Entity
	Scopes   []rtdb.Scope
	Links    []rtdb.EntityScopeLink
	Edges    []rtdb.Edge
	Events   []rtdb.Event
}

// Ingest applies one process's dump to g, emitting nodes and edges exactly
// per spec.md §4.10's per-process rules. Calling Ingest once per connected
// process before running the cycle analyzer builds the full cross-process
// candidate graph (cross-process stitching itself is done separately by
// Stitch, since it needs every process's requests at once).
func Ingest(g *Graph, dump ProcessDump) {
	g.addNode(processNode(dump.PID), fmt.Sprintf("process %s", dump.PID), 0)

	entityByID := make(map[string]rtdb.Entity, len(dump.Entities))
	for _, e := range dump.Entities {
		entityByID[string(e.ID)] = e
	}

	for _, s := range dump.Scopes {
		tb, ok := s.Body.(rtdb.TaskScopeBody)
		if !ok {
			continue
		}
		g.addNode(taskNode(dump.PID, tb.TaskKey), s.Name, age(s.Birth, dump.Now))
		if tb.ParentTaskKey != "" {
			g.addEdge(Edge{
				Src:  taskNode(dump.PID, tb.ParentTaskKey),
				Dst:  taskNode(dump.PID, tb.TaskKey),
				Kind: EdgeTaskSpawnedTask,
			})
		}
	}

	for _, edge := range dump.Edges {
		src, srcOK := entityByID[string(edge.Src)]
		dst, dstOK := entityByID[string(edge.Dst)]
		if !srcOK || !dstOK {
			continue
		}

		switch edge.Kind {
		case rtdb.EdgeWaitingOn:
			waiter := nodeForEntity(dump.PID, src)
			resource := nodeForEntity(dump.PID, dst)
			g.addNode(waiter, src.Name, entityAge(src, dump.Now))
			g.addNode(resource, dst.Name, entityAge(dst, dump.Now))
			g.addEdge(Edge{
				Src:          waiter,
				Dst:          resource,
				Kind:         waitEdgeKind(dst),
				SeverityHint: waitSeverityHint(dst, dump.Events, dump.Now),
			})

		case rtdb.EdgeHolds, rtdb.EdgeOwns:
			holder := nodeForEntity(dump.PID, src)
			resource := nodeForEntity(dump.PID, dst)
			g.addNode(holder, src.Name, entityAge(src, dump.Now))
			g.addNode(resource, dst.Name, entityAge(dst, dump.Now))
			g.addEdge(Edge{
				Src:          resource,
				Dst:          holder,
				Kind:         ownEdgeKind(dst),
				SeverityHint: ownSeverityHint(dst, dump.Now),
			})

		case rtdb.EdgeSpawned:
			// Entity-level spawn relations (e.g. a Command's spawning
			// task) are explanatory only; C11's blocking subgraph ignores
			// them, so they are not translated into graph edges here.
		}
	}
}

// entityAge reports how long e has been alive — or, for an RPC request,
// how long the call has been in flight — as of now, in seconds.
func entityAge(e rtdb.Entity, now ptime.Ptime) float64 {
	start := e.Birth
	if rb, ok := e.Body.(rtdb.RequestBody); ok {
		start = rb.StartedAt
	}
	return age(start, now)
}

func age(start, now ptime.Ptime) float64 {
	d := ptime.Sub(now, start)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// waitEdgeKind picks RpcClientToRequest for an outgoing RPC request the
// caller is waiting on, TaskWaitsOnResource otherwise.
func waitEdgeKind(resource rtdb.Entity) EdgeKind {
	if rb, ok := resource.Body.(rtdb.RequestBody); ok && rb.Outgoing {
		return EdgeRpcClientToRequest
	}
	return EdgeTaskWaitsOnResource
}

// ownEdgeKind picks RpcRequestToServerTask for an incoming RPC request
// being handled, ResourceOwnedByTask otherwise.
func ownEdgeKind(resource rtdb.Entity) EdgeKind {
	if rb, ok := resource.Body.(rtdb.RequestBody); ok && !rb.Outgoing {
		return EdgeRpcRequestToServer
	}
	return EdgeResourceOwnedByTask
}

func nodeForEntity(pid string, e rtdb.Entity) NodeID {
	switch b := e.Body.(type) {
	case rtdb.FutureBody:
		return NodeID{Kind: NodeFuture, PID: pid, Name: string(e.ID)}
	case rtdb.LockBody:
		return resourceNode(NodeLock, pid, e.Name)
	case rtdb.SemaphoreBody:
		return resourceNode(NodeSemaphore, pid, e.Name)
	case rtdb.NotifyBody:
		return resourceNode(NodeNotify, pid, e.Name)
	case rtdb.OnceCellBody:
		return resourceNode(NodeOnceCell, pid, e.Name)
	case rtdb.MpscTxBody, rtdb.MpscRxBody:
		return resourceNode(NodeMpscChannel, pid, e.Name)
	case rtdb.BroadcastTxBody, rtdb.BroadcastRxBody:
		return resourceNode(NodeBroadcastChannel, pid, e.Name)
	case rtdb.WatchTxBody, rtdb.WatchRxBody:
		return resourceNode(NodeWatchChannel, pid, e.Name)
	case rtdb.OneshotTxBody, rtdb.OneshotRxBody:
		return resourceNode(NodeOneshotChannel, pid, e.Name)
	case rtdb.CommandBody:
		return resourceNode(NodeCommand, pid, e.Name)
	case rtdb.RequestBody:
		return rpcNode(pid, b.Connection, b.RequestID)
	default:
		return NodeID{Kind: NodeFuture, PID: pid, Name: string(e.ID)}
	}
}

// waitSeverityHint implements spec.md §4.10's per-kind severity hints for
// wait edges: a pending future wait that has never gone ready scores 2;
// an RPC request outstanding more than 5s is elevated to 3.
func waitSeverityHint(resource rtdb.Entity, events []rtdb.Event, now ptime.Ptime) int {
	switch b := resource.Body.(type) {
	case rtdb.FutureBody:
		if b.Suspended && !everReady(resource.ID, events) {
			return 2
		}
	case rtdb.RequestBody:
		if ptime.Sub(now, b.StartedAt) > 5*time.Second {
			return 3
		}
	}
	return 0
}

// ownSeverityHint elevates a lock held for more than 1s, per spec.md
// §4.10's "severity based on mutex-kind × held-duration thresholds (>1s
// elevates)."
func ownSeverityHint(resource rtdb.Entity, now ptime.Ptime) int {
	if lb, ok := resource.Body.(rtdb.LockBody); ok && lb.HeldSince != nil {
		if ptime.Sub(now, *lb.HeldSince) > time.Second {
			return 1
		}
	}
	return 0
}

func everReady(entityID id.EntityId, events []rtdb.Event) bool {
	for _, ev := range events {
		if ev.Target.Kind == rtdb.EventTargetEntity && ev.Target.Entity == entityID && ev.Kind == "ready" {
			return true
		}
	}
	return false
}
