// Package rtdb implements the runtime database: the in-memory graph of
// entities, scopes, edges, and events that instrumentation wrappers mutate,
// plus the append-only change log, compaction, and snapshot/pull machinery
// an external collector consumes. See SPEC_FULL.md §4.1-§4.3, §4.7, §4.9.
package rtdb

import (
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
)

// EntityKind identifies which EntityBody variant an Entity carries.
type EntityKind string

const (
	KindFuture      EntityKind = "future"
	KindLock        EntityKind = "lock"
	KindSemaphore   EntityKind = "semaphore"
	KindNotify      EntityKind = "notify"
	KindOnceCell    EntityKind = "once_cell"
	KindMpscTx      EntityKind = "mpsc_tx"
	KindMpscRx      EntityKind = "mpsc_rx"
	KindBroadcastTx EntityKind = "broadcast_tx"
	KindBroadcastRx EntityKind = "broadcast_rx"
	KindWatchTx     EntityKind = "watch_tx"
	KindWatchRx     EntityKind = "watch_rx"
	KindOneshotTx   EntityKind = "oneshot_tx"
	KindOneshotRx   EntityKind = "oneshot_rx"
	KindCommand     EntityKind = "command"
	KindFileOp      EntityKind = "file_op"
	KindNetConnect  EntityKind = "net_connect"
	KindNetAccept   EntityKind = "net_accept"
	KindNetRead     EntityKind = "net_read"
	KindNetWrite    EntityKind = "net_write"
	KindRequest     EntityKind = "request"
	KindResponse    EntityKind = "response"
	KindCustom      EntityKind = "custom"
)

// EntityBody is the tagged union of shape-specific entity state. It is
// sealed — only the variants declared in this package may implement it —
// so that dispatch on Kind() can be exhaustive. Re-architecture note from
// spec.md §9: "do not use open inheritance; the dispatch is on body kind
// and must be exhaustive."
type EntityBody interface {
	Kind() EntityKind
	sealed()
}

type baseBody struct{}

func (baseBody) sealed() {}

// FutureBody describes a generic awaited computation (the instrumented
// future wrapper's destination entity when no more specific kind applies).
type FutureBody struct {
	baseBody
	Suspended bool `json:"suspended"`
}

func (FutureBody) Kind() EntityKind { return KindFuture }

// LockBody describes a mutual-exclusion lock.
type LockBody struct {
	baseBody
	Held      bool         `json:"held"`
	HolderID  string       `json:"holder_id,omitempty"`
	HeldSince *ptime.Ptime `json:"held_since,omitempty"`
}

func (LockBody) Kind() EntityKind { return KindLock }

// SemaphoreBody describes a counting semaphore.
type SemaphoreBody struct {
	baseBody
	MaxPermits       int `json:"max_permits"`
	HandedOutPermits int `json:"handed_out_permits"`
}

func (SemaphoreBody) Kind() EntityKind { return KindSemaphore }

// NotifyBody describes a single-notification wakeup primitive.
type NotifyBody struct {
	baseBody
	Permits int `json:"permits"`
}

func (NotifyBody) Kind() EntityKind { return KindNotify }

// OnceCellBody describes a write-once cell.
type OnceCellBody struct {
	baseBody
	Initialized bool `json:"initialized"`
}

func (OnceCellBody) Kind() EntityKind { return KindOnceCell }

// MpscTxBody describes the sending half of a bounded multi-producer
// single-consumer channel.
type MpscTxBody struct {
	baseBody
	Capacity int  `json:"capacity"`
	QueueLen int  `json:"queue_len"`
	Closed   bool `json:"closed"`
}

func (MpscTxBody) Kind() EntityKind { return KindMpscTx }

// MpscRxBody describes the receiving half of an mpsc channel.
type MpscRxBody struct {
	baseBody
	Capacity int  `json:"capacity"`
	QueueLen int  `json:"queue_len"`
	Closed   bool `json:"closed"`
}

func (MpscRxBody) Kind() EntityKind { return KindMpscRx }

// BroadcastTxBody describes the sending half of a broadcast channel.
type BroadcastTxBody struct {
	baseBody
	Capacity      int `json:"capacity"`
	ReceiverCount int `json:"receiver_count"`
}

func (BroadcastTxBody) Kind() EntityKind { return KindBroadcastTx }

// BroadcastRxBody describes one receiving handle of a broadcast channel.
type BroadcastRxBody struct {
	baseBody
	Lagged bool `json:"lagged"`
}

func (BroadcastRxBody) Kind() EntityKind { return KindBroadcastRx }

// WatchTxBody describes the sending half of a watch channel.
type WatchTxBody struct {
	baseBody
	ReceiverCount int `json:"receiver_count"`
}

func (WatchTxBody) Kind() EntityKind { return KindWatchTx }

// WatchRxBody describes a watch channel receiving handle.
type WatchRxBody struct {
	baseBody
	Seen bool `json:"seen"`
}

func (WatchRxBody) Kind() EntityKind { return KindWatchRx }

// OneshotTxBody describes the sending half of a one-shot cell.
type OneshotTxBody struct {
	baseBody
	Sent bool `json:"sent"`
}

func (OneshotTxBody) Kind() EntityKind { return KindOneshotTx }

// OneshotRxBody describes the receiving half of a one-shot cell.
type OneshotRxBody struct {
	baseBody
	Received bool `json:"received"`
}

func (OneshotRxBody) Kind() EntityKind { return KindOneshotRx }

// CommandBody describes a subprocess (or container) under instrumentation.
type CommandBody struct {
	baseBody
	Program  string `json:"program"`
	PID      int    `json:"pid,omitempty"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func (CommandBody) Kind() EntityKind { return KindCommand }

// FileOpBody describes an in-flight filesystem operation.
type FileOpBody struct {
	baseBody
	Path string `json:"path"`
	Op   string `json:"op"` // "read", "write", "open", "stat", ...
}

func (FileOpBody) Kind() EntityKind { return KindFileOp }

// NetConnectBody describes an in-flight outbound connection attempt.
type NetConnectBody struct {
	baseBody
	Network string `json:"network"`
	Address string `json:"address"`
}

func (NetConnectBody) Kind() EntityKind { return KindNetConnect }

// NetAcceptBody describes an in-flight listener accept.
type NetAcceptBody struct {
	baseBody
	Network string `json:"network"`
	Address string `json:"address"`
}

func (NetAcceptBody) Kind() EntityKind { return KindNetAccept }

// NetReadBody describes an in-flight network read.
type NetReadBody struct {
	baseBody
	RemoteAddr string `json:"remote_addr,omitempty"`
}

func (NetReadBody) Kind() EntityKind { return KindNetRead }

// NetWriteBody describes an in-flight network write.
type NetWriteBody struct {
	baseBody
	RemoteAddr string `json:"remote_addr,omitempty"`
}

func (NetWriteBody) Kind() EntityKind { return KindNetWrite }

// RequestBody describes one side of an RPC call (outgoing or incoming).
type RequestBody struct {
	baseBody
	Method     string      `json:"method"`
	RequestID  string      `json:"request_id"`
	Outgoing   bool        `json:"outgoing"` // true: this process issued the call
	PeerName   string      `json:"peer_name,omitempty"`
	Connection string      `json:"connection,omitempty"`
	StartedAt  ptime.Ptime `json:"started_at"`
}

func (RequestBody) Kind() EntityKind { return KindRequest }

// ResponseBody describes a completed RPC response.
type ResponseBody struct {
	baseBody
	Method     string `json:"method"`
	RequestID  string `json:"request_id"`
	StatusCode string `json:"status_code,omitempty"`
}

func (ResponseBody) Kind() EntityKind { return KindResponse }

// CustomBody is an escape hatch for host-defined entity kinds carrying
// arbitrary structured state.
type CustomBody struct {
	baseBody
	TypeName string         `json:"type_name"`
	Data     map[string]any `json:"data,omitempty"`
}

func (CustomBody) Kind() EntityKind { return KindCustom }

// Entity is a runtime-observable concurrency object.
type Entity struct {
	ID         id.EntityId    `json:"id"`
	Name       string         `json:"name"`
	Body       EntityBody     `json:"body"`
	Backtrace  id.BacktraceId `json:"backtrace"`
	Birth      ptime.Ptime    `json:"birth"`
	RemovedAt  *ptime.Ptime   `json:"removed_at,omitempty"`
	Source     string         `json:"source,omitempty"`
	Krate      string         `json:"krate,omitempty"`
}

// Tombstoned reports whether the entity has been logically removed but may
// still be lingering in the database pending sweep (see SPEC_FULL.md §4.3).
func (e *Entity) Tombstoned() bool { return e.RemovedAt != nil }

// ScopeKind identifies which ScopeBody variant a Scope carries.
type ScopeKind string

const (
	ScopeKindProcess ScopeKind = "process"
	ScopeKindTask    ScopeKind = "task"
	ScopeKindCustom  ScopeKind = "custom"
)

// ScopeBody is the tagged union of scope-specific state.
type ScopeBody interface {
	ScopeKind() ScopeKind
	sealedScope()
}

type baseScopeBody struct{}

func (baseScopeBody) sealedScope() {}

// ProcessScopeBody marks the single per-process scope.
type ProcessScopeBody struct {
	baseScopeBody
	PID int `json:"pid"`
}

func (ProcessScopeBody) ScopeKind() ScopeKind { return ScopeKindProcess }

// TaskScopeBody marks a scope attached to one concurrent task.
type TaskScopeBody struct {
	baseScopeBody
	TaskKey       string `json:"task_key"`
	ParentTaskKey string `json:"parent_task_key,omitempty"`
}

func (TaskScopeBody) ScopeKind() ScopeKind { return ScopeKindTask }

// CustomScopeBody is a user-defined scope kind.
type CustomScopeBody struct {
	baseScopeBody
	TypeName string         `json:"type_name"`
	Data     map[string]any `json:"data,omitempty"`
}

func (CustomScopeBody) ScopeKind() ScopeKind { return ScopeKindCustom }

// Scope is a named lifecycle context entities can be attached to.
type Scope struct {
	ID        id.ScopeId   `json:"id"`
	Name      string       `json:"name"`
	Body      ScopeBody    `json:"body"`
	Birth     ptime.Ptime  `json:"birth"`
	RemovedAt *ptime.Ptime `json:"removed_at,omitempty"`
}

// EdgeKind identifies the directed causal relation an Edge represents.
type EdgeKind string

const (
	EdgeWaitingOn          EdgeKind = "waiting_on"
	EdgeHolds              EdgeKind = "holds"
	EdgeOwns               EdgeKind = "owns"
	EdgePaired             EdgeKind = "paired"
	EdgeSpawned            EdgeKind = "spawned"
	EdgeWakesFuture        EdgeKind = "wakes_future"
	EdgeResumesTask        EdgeKind = "resumes_task"
	EdgeClientToRequest    EdgeKind = "client_to_request"
	EdgeRequestToServer    EdgeKind = "request_to_server"
	EdgeCrossProcessStitch EdgeKind = "cross_process_stitch"
)

// edgeKey is the compound key (src, dst, kind) identifying an Edge.
type edgeKey struct {
	Src  id.EntityId
	Dst  id.EntityId
	Kind EdgeKind
}

// Edge is a directed causal relation between two entities.
type Edge struct {
	Src       id.EntityId    `json:"src"`
	Dst       id.EntityId    `json:"dst"`
	Kind      EdgeKind       `json:"kind"`
	Backtrace id.BacktraceId `json:"backtrace"`
}

func (e Edge) key() edgeKey { return edgeKey{e.Src, e.Dst, e.Kind} }

// entityScopeKey identifies an EntityScopeLink.
type entityScopeKey struct {
	Entity id.EntityId
	Scope  id.ScopeId
}

// EntityScopeLink is a membership relation between an entity and a scope.
type EntityScopeLink struct {
	EntityID id.EntityId `json:"entity_id"`
	ScopeID  id.ScopeId  `json:"scope_id"`
}

// EventTargetKind distinguishes EventTarget variants.
type EventTargetKind string

const (
	EventTargetEntity EventTargetKind = "entity"
	EventTargetEdge   EventTargetKind = "edge"
	EventTargetScope  EventTargetKind = "scope"
)

// EventTarget names what an Event was observed on: exactly one of an
// entity, an edge (by its compound key), or a scope.
type EventTarget struct {
	Kind   EventTargetKind `json:"kind"`
	Entity id.EntityId     `json:"entity,omitempty"`
	Src    id.EntityId     `json:"src,omitempty"`
	Dst    id.EntityId     `json:"dst,omitempty"`
	Edge   EdgeKind        `json:"edge_kind,omitempty"`
	Scope  id.ScopeId      `json:"scope,omitempty"`
}

// TargetEntity builds an EventTarget naming an entity.
func TargetEntity(e id.EntityId) EventTarget {
	return EventTarget{Kind: EventTargetEntity, Entity: e}
}

// TargetEdge builds an EventTarget naming an edge.
func TargetEdge(src, dst id.EntityId, kind EdgeKind) EventTarget {
	return EventTarget{Kind: EventTargetEdge, Src: src, Dst: dst, Edge: kind}
}

// TargetScope builds an EventTarget naming a scope.
func TargetScope(s id.ScopeId) EventTarget {
	return EventTarget{Kind: EventTargetScope, Scope: s}
}

// Event is an observed point-in-time occurrence.
type Event struct {
	ID      string         `json:"id"`
	Target  EventTarget    `json:"target"`
	At      ptime.Ptime    `json:"at"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ChangeKind identifies which Change variant a Change carries.
type ChangeKind string

const (
	ChangeUpsertEntity          ChangeKind = "upsert_entity"
	ChangeRemoveEntity          ChangeKind = "remove_entity"
	ChangeUpsertScope           ChangeKind = "upsert_scope"
	ChangeRemoveScope           ChangeKind = "remove_scope"
	ChangeUpsertEntityScopeLink ChangeKind = "upsert_entity_scope_link"
	ChangeRemoveEntityScopeLink ChangeKind = "remove_entity_scope_link"
	ChangeUpsertEdge            ChangeKind = "upsert_edge"
	ChangeRemoveEdge            ChangeKind = "remove_edge"
	ChangeAppendEvent           ChangeKind = "append_event"
)

// Change is the atomic mutation unit in the change log. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Change struct {
	Kind ChangeKind `json:"kind"`

	Entity          *Entity          `json:"entity,omitempty"`
	RemovedEntityID id.EntityId      `json:"removed_entity_id,omitempty"`
	Scope           *Scope           `json:"scope,omitempty"`
	RemovedScopeID  id.ScopeId       `json:"removed_scope_id,omitempty"`
	Link            *EntityScopeLink `json:"link,omitempty"`
	Edge            *Edge            `json:"edge,omitempty"`
	RemovedEdgeKey  *edgeKeyWire     `json:"removed_edge_key,omitempty"`
	Event           *Event           `json:"event,omitempty"`
}

// edgeKeyWire is the wire-visible form of an edge compound key.
type edgeKeyWire struct {
	Src  id.EntityId `json:"src"`
	Dst  id.EntityId `json:"dst"`
	Kind EdgeKind    `json:"kind"`
}

// StampedChange pairs a Change with its stream-local sequence number.
type StampedChange struct {
	SeqNo  id.SeqNo `json:"seq_no"`
	Change Change   `json:"change"`
}

// Cursor is a resumable position in a single process's change stream.
// See SPEC_FULL.md §9: "a cursor is a first-class promise."
type Cursor struct {
	StreamID id.StreamId `json:"stream_id"`
	NextSeq  id.SeqNo    `json:"next_seq_no"`
}
