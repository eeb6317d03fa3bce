package rtdb

import (
	"context"
	"sync"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
)

// Default capacities, matching the example values in spec.md §4.1/§4.2.
const (
	DefaultMaxEvents              = 16384
	DefaultMaxChangesBeforeCompact = 65536
	DefaultCompactTargetChanges    = 8192
)

// TaskScopeResolver reports the ScopeId of the task scope that should be
// auto-linked when an entity is upserted, mirroring spec.md §4.1's
// "if current task is a Future, links task scope" clause. DB has no ambient
// notion of "current task" of its own (Go has none either) — this hook lets
// the causal-target stack (package causal) supply one without rtdb
// importing causal.
type TaskScopeResolver func() (id.ScopeId, bool)

// Option configures a DB at construction time.
type Option func(*DB)

// WithMaxEvents overrides the event ring buffer capacity.
func WithMaxEvents(n int) Option { return func(db *DB) { db.maxEvents = n } }

// WithCompaction overrides the compaction trigger/target thresholds.
func WithCompaction(triggerAt, target int) Option {
	return func(db *DB) {
		db.maxChangesBeforeCompact = triggerAt
		db.compactTargetChanges = target
	}
}

// DB is the runtime database (C3): the single process-wide, lock-guarded
// graph of entities, scopes, edges, and events, plus its append-only change
// log. All mutations are serialized under one exclusive lock.
type DB struct {
	mu sync.Mutex

	streamID id.StreamId

	entities *orderedMap[id.EntityId, *Entity]
	scopes   *orderedMap[id.ScopeId, *Scope]
	links    map[entityScopeKey]struct{}
	edges    map[edgeKey]*Edge

	events          *eventRing
	eventEntityRefs map[id.EntityId]int

	taskScopeIDs map[string]id.ScopeId

	backtraces      map[id.BacktraceId]string
	backtraceBySite map[string]id.BacktraceId

	processScopeID *id.ScopeId
	taskResolver   TaskScopeResolver

	changeLog       []StampedChange
	nextSeqNo       id.SeqNo
	compactedBefore id.SeqNo

	notify chan struct{} // closed and replaced whenever a change is appended

	maxEvents               int
	maxChangesBeforeCompact int
	compactTargetChanges    int
}

// New creates an empty runtime database for one process stream.
func New(opts ...Option) *DB {
	db := &DB{
		streamID:                id.NewStreamId(),
		entities:                newOrderedMap[id.EntityId, *Entity](),
		scopes:                  newOrderedMap[id.ScopeId, *Scope](),
		links:                   make(map[entityScopeKey]struct{}),
		edges:                   make(map[edgeKey]*Edge),
		eventEntityRefs:         make(map[id.EntityId]int),
		taskScopeIDs:            make(map[string]id.ScopeId),
		backtraces:              make(map[id.BacktraceId]string),
		backtraceBySite:         make(map[string]id.BacktraceId),
		notify:                  make(chan struct{}),
		maxEvents:               DefaultMaxEvents,
		maxChangesBeforeCompact: DefaultMaxChangesBeforeCompact,
		compactTargetChanges:    DefaultCompactTargetChanges,
	}
	for _, opt := range opts {
		opt(db)
	}
	db.events = newEventRing(db.maxEvents)
	return db
}

// StreamID returns this database's stream identifier.
func (db *DB) StreamID() id.StreamId { return db.streamID }

// SetTaskScopeResolver installs the hook UpsertEntity uses to auto-link new
// entities into "the current task's" scope, if any. Pass nil to disable.
func (db *DB) SetTaskScopeResolver(r TaskScopeResolver) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.taskResolver = r
}

// appendChange stamps c with the next sequence number, stores it, triggers
// compaction if the log has grown past its trigger threshold, and wakes
// Subscribe waiters. Caller must hold db.mu.
func (db *DB) appendChange(c Change) StampedChange {
	sc := StampedChange{SeqNo: db.nextSeqNo, Change: c}
	db.nextSeqNo++
	db.changeLog = append(db.changeLog, sc)
	if len(db.changeLog) > db.maxChangesBeforeCompact {
		db.compactLocked()
	}
	ch := db.notify
	db.notify = make(chan struct{})
	close(ch)
	return sc
}

// --- Entities ---------------------------------------------------------

// UpsertEntity inserts or replaces an entity. If a process scope exists it
// is linked automatically; if a task scope resolver is installed and
// reports a current task, that scope is linked too. Infallible.
func (db *DB) UpsertEntity(e Entity) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.upsertEntityLocked(e)
}

func (db *DB) upsertEntityLocked(e Entity) {
	cp := e
	db.entities.Set(cp.ID, &cp)
	db.appendChange(Change{Kind: ChangeUpsertEntity, Entity: cloneEntity(&cp)})

	if db.processScopeID != nil {
		db.linkEntityToScopeLocked(cp.ID, *db.processScopeID)
	}
	if db.taskResolver != nil {
		if sid, ok := db.taskResolver(); ok {
			db.linkEntityToScopeLocked(cp.ID, sid)
		}
	}
}

// RenameEntity updates an entity's name. No-op (returns false) if the
// entity is missing, tombstoned, or the name is unchanged.
func (db *DB) RenameEntity(eid id.EntityId, name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.entities.Get(eid)
	if !ok || e.Tombstoned() || e.Name == name {
		return false
	}
	e.Name = name
	db.appendChange(Change{Kind: ChangeUpsertEntity, Entity: cloneEntity(e)})
	return true
}

// MutateEntityBody computes f(currentBody), compares its fingerprint
// against the current body's, and emits UpsertEntity only if the
// fingerprint changed. Returns whether a mutation was recorded.
//
// f must not call back into db — the lock is held for the duration of this
// call (see SPEC_FULL.md §5's reentrancy rule).
func (db *DB) MutateEntityBody(eid id.EntityId, f func(EntityBody) EntityBody) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.entities.Get(eid)
	if !ok || e.Tombstoned() {
		return false
	}
	before := fingerprint(e.Body)
	newBody := f(e.Body)
	after := fingerprint(newBody)
	if before == after {
		return false
	}
	e.Body = newBody
	db.appendChange(Change{Kind: ChangeUpsertEntity, Entity: cloneEntity(e)})
	return true
}

// RemoveEntity logically removes an entity: sets RemovedAt, removes all
// incident edges and scope links (emitting their own changes first, per
// spec.md §9's ordering note), then emits the tombstoning UpsertEntity.
// If no Event still references the entity it is swept immediately
// (RemoveEntity emitted, dropped from the map); otherwise the sweep is
// deferred until the last referencing Event is evicted from the ring
// buffer (see SPEC_FULL.md §4.3). Idempotent.
func (db *DB) RemoveEntity(eid id.EntityId) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.removeEntityLocked(eid)
}

func (db *DB) removeEntityLocked(eid id.EntityId) {
	e, ok := db.entities.Get(eid)
	if !ok || e.Tombstoned() {
		return
	}

	// Remove incident edges first so no reader ever observes a live edge
	// whose endpoint is tombstoned (invariant 1).
	for k := range db.edges {
		if k.Src == eid || k.Dst == eid {
			db.removeEdgeLocked(k.Src, k.Dst, k.Kind)
		}
	}
	// Unlink from every scope.
	for lk := range db.links {
		if lk.Entity == eid {
			db.unlinkEntityFromScopeLocked(lk.Entity, lk.Scope)
		}
	}

	now := ptime.Now()
	e.RemovedAt = &now
	db.appendChange(Change{Kind: ChangeUpsertEntity, Entity: cloneEntity(e)})

	if db.eventEntityRefs[eid] == 0 {
		db.sweepEntityLocked(eid)
	}
}

// sweepEntityLocked drops a tombstoned entity from the map and emits
// RemoveEntity. Caller must hold db.mu and must have already verified no
// Event references eid.
func (db *DB) sweepEntityLocked(eid id.EntityId) {
	db.entities.Delete(eid)
	delete(db.eventEntityRefs, eid)
	db.appendChange(Change{Kind: ChangeRemoveEntity, RemovedEntityID: eid})
}

// Entity returns a copy of the live (possibly tombstoned) entity, if any.
func (db *DB) Entity(eid id.EntityId) (Entity, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entities.Get(eid)
	if !ok {
		return Entity{}, false
	}
	return *cloneEntity(e), true
}

// Entities returns a snapshot of all live entities, insertion order.
func (db *DB) Entities() []Entity {
	db.mu.Lock()
	defer db.mu.Unlock()
	vs := db.entities.Values()
	out := make([]Entity, len(vs))
	for i, v := range vs {
		out[i] = *cloneEntity(v)
	}
	return out
}

// --- Scopes -------------------------------------------------------------

// UpsertScope inserts or replaces a scope.
func (db *DB) UpsertScope(s Scope) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.upsertScopeLocked(s)
}

func (db *DB) upsertScopeLocked(s Scope) {
	cp := s
	db.scopes.Set(cp.ID, &cp)
	db.appendChange(Change{Kind: ChangeUpsertScope, Scope: cloneScope(&cp)})
}

// EnsureProcessScope creates the single per-process scope if it doesn't
// exist yet, and records it as the scope every future UpsertEntity call
// auto-links into. Safe to call more than once; subsequent calls are no-ops
// and return the existing id.
func (db *DB) EnsureProcessScope(name string, pid int) id.ScopeId {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.processScopeID != nil {
		return *db.processScopeID
	}
	sid := id.NewScopeId()
	db.upsertScopeLocked(Scope{
		ID:    sid,
		Name:  name,
		Body:  ProcessScopeBody{PID: pid},
		Birth: ptime.Now(),
	})
	db.processScopeID = &sid
	return sid
}

// EnsureTaskScope lazily creates (or returns the existing) scope for
// taskKey, matching spec.md §3's "Task scopes created lazily on first
// attribution to a task."
func (db *DB) EnsureTaskScope(taskKey string) id.ScopeId {
	return db.EnsureTaskScopeWithParent(taskKey, "")
}

// EnsureTaskScopeWithParent is EnsureTaskScope, additionally recording
// which task spawned taskKey (if known), so the collector-side ingest
// (C10) can emit a TaskSpawnedTask edge. Calling it a second time for an
// already-known taskKey does not update the recorded parent.
func (db *DB) EnsureTaskScopeWithParent(taskKey, parentTaskKey string) id.ScopeId {
	db.mu.Lock()
	defer db.mu.Unlock()
	if sid, ok := db.taskScopeIDs[taskKey]; ok {
		return sid
	}
	sid := id.NewScopeId()
	db.taskScopeIDs[taskKey] = sid
	db.upsertScopeLocked(Scope{
		ID:    sid,
		Name:  taskKey,
		Body:  TaskScopeBody{TaskKey: taskKey, ParentTaskKey: parentTaskKey},
		Birth: ptime.Now(),
	})
	return sid
}

// RemoveScope removes a scope: purges any task_scope_ids entry pointing to
// it, unlinks member entities, and emits RemoveScope.
func (db *DB) RemoveScope(sid id.ScopeId) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.removeScopeLocked(sid)
}

func (db *DB) removeScopeLocked(sid id.ScopeId) {
	if _, ok := db.scopes.Get(sid); !ok {
		return
	}
	for k, v := range db.taskScopeIDs {
		if v == sid {
			delete(db.taskScopeIDs, k)
		}
	}
	for lk := range db.links {
		if lk.Scope == sid {
			db.unlinkEntityFromScopeLocked(lk.Entity, lk.Scope)
		}
	}
	db.scopes.Delete(sid)
	db.appendChange(Change{Kind: ChangeRemoveScope, RemovedScopeID: sid})
}

// RemoveTaskScope removes the scope associated with taskKey, if any,
// matching spec.md §3's "destroyed when that task's id is no longer
// observable."
func (db *DB) RemoveTaskScope(taskKey string) {
	db.mu.Lock()
	sid, ok := db.taskScopeIDs[taskKey]
	if !ok {
		db.mu.Unlock()
		return
	}
	db.mu.Unlock()
	db.RemoveScope(sid)
}

// Scopes returns a snapshot of all live scopes, insertion order.
func (db *DB) Scopes() []Scope {
	db.mu.Lock()
	defer db.mu.Unlock()
	vs := db.scopes.Values()
	out := make([]Scope, len(vs))
	for i, v := range vs {
		out[i] = *cloneScope(v)
	}
	return out
}

// --- Entity/scope links --------------------------------------------------

// LinkEntityToScope idempotently links an entity to a scope.
func (db *DB) LinkEntityToScope(eid id.EntityId, sid id.ScopeId) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.linkEntityToScopeLocked(eid, sid)
}

func (db *DB) linkEntityToScopeLocked(eid id.EntityId, sid id.ScopeId) {
	k := entityScopeKey{eid, sid}
	if _, ok := db.links[k]; ok {
		return
	}
	db.links[k] = struct{}{}
	db.appendChange(Change{Kind: ChangeUpsertEntityScopeLink, Link: &EntityScopeLink{EntityID: eid, ScopeID: sid}})
}

// UnlinkEntityFromScope idempotently removes a link.
func (db *DB) UnlinkEntityFromScope(eid id.EntityId, sid id.ScopeId) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unlinkEntityFromScopeLocked(eid, sid)
}

func (db *DB) unlinkEntityFromScopeLocked(eid id.EntityId, sid id.ScopeId) {
	k := entityScopeKey{eid, sid}
	if _, ok := db.links[k]; !ok {
		return
	}
	delete(db.links, k)
	db.appendChange(Change{Kind: ChangeRemoveEntityScopeLink, Link: &EntityScopeLink{EntityID: eid, ScopeID: sid}})
}

// Links returns a snapshot of all live entity-scope links.
func (db *DB) Links() []EntityScopeLink {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]EntityScopeLink, 0, len(db.links))
	for k := range db.links {
		out = append(out, EntityScopeLink{EntityID: k.Entity, ScopeID: k.Scope})
	}
	return out
}

// --- Edges ----------------------------------------------------------------

// UpsertEdge creates the (src, dst, kind) edge unless either endpoint is
// missing or tombstoned, or the edge already exists. Both endpoints are
// linked to the process scope, if one exists.
func (db *DB) UpsertEdge(src, dst id.EntityId, kind EdgeKind, bt id.BacktraceId) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.upsertEdgeLocked(src, dst, kind, bt)
}

func (db *DB) upsertEdgeLocked(src, dst id.EntityId, kind EdgeKind, bt id.BacktraceId) {
	se, ok := db.entities.Get(src)
	if !ok || se.Tombstoned() {
		return
	}
	de, ok := db.entities.Get(dst)
	if !ok || de.Tombstoned() {
		return
	}
	k := edgeKey{src, dst, kind}
	if _, exists := db.edges[k]; exists {
		return
	}
	e := Edge{Src: src, Dst: dst, Kind: kind, Backtrace: bt}
	db.edges[k] = &e
	db.appendChange(Change{Kind: ChangeUpsertEdge, Edge: &e})

	if db.processScopeID != nil {
		db.linkEntityToScopeLocked(src, *db.processScopeID)
		db.linkEntityToScopeLocked(dst, *db.processScopeID)
	}
}

// RemoveEdge idempotently removes an edge.
func (db *DB) RemoveEdge(src, dst id.EntityId, kind EdgeKind) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.removeEdgeLocked(src, dst, kind)
}

func (db *DB) removeEdgeLocked(src, dst id.EntityId, kind EdgeKind) {
	k := edgeKey{src, dst, kind}
	if _, ok := db.edges[k]; !ok {
		return
	}
	delete(db.edges, k)
	db.appendChange(Change{Kind: ChangeRemoveEdge, RemovedEdgeKey: &edgeKeyWire{Src: src, Dst: dst, Kind: kind}})
}

// Edges returns a snapshot of all live edges.
func (db *DB) Edges() []Edge {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Edge, 0, len(db.edges))
	for _, e := range db.edges {
		out = append(out, *e)
	}
	return out
}

// --- Events -----------------------------------------------------------

// RecordEvent appends ev to the bounded ring buffer. If ev targets an
// entity, the entity's reverse reference count is incremented; if the
// append evicts an older event that targeted an entity, that entity's
// count is decremented, and if it reaches zero and the entity is
// tombstoned, it is swept (see SPEC_FULL.md §4.3).
func (db *DB) RecordEvent(ev Event) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ev.Target.Kind == EventTargetEntity {
		db.eventEntityRefs[ev.Target.Entity]++
	}

	evicted, didEvict := db.events.Push(ev)
	if didEvict && evicted.Target.Kind == EventTargetEntity {
		eid := evicted.Target.Entity
		db.eventEntityRefs[eid]--
		if db.eventEntityRefs[eid] <= 0 {
			delete(db.eventEntityRefs, eid)
			if e, ok := db.entities.Get(eid); ok && e.Tombstoned() {
				db.sweepEntityLocked(eid)
			}
		}
	}

	db.appendChange(Change{Kind: ChangeAppendEvent, Event: &ev})
}

// Events returns a snapshot of the current event ring buffer, oldest
// first.
func (db *DB) Events() []Event {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.events.Values()
}

// --- Cursor / subscribe -------------------------------------------------

// CurrentCursor returns the cursor a new caller should start pulling from
// to see only future changes.
func (db *DB) CurrentCursor() Cursor {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Cursor{StreamID: db.streamID, NextSeq: db.nextSeqNo}
}

// Subscribe streams changes from `from` onward, replaying the backlog first
// and then blocking for new changes until ctx is cancelled. Grounded on
// EventLog's notify-channel-closed-and-replaced pattern.
func (db *DB) Subscribe(ctx context.Context, from id.SeqNo) <-chan StampedChange {
	out := make(chan StampedChange, 64)
	go func() {
		defer close(out)
		cursor := from
		for {
			db.mu.Lock()
			notifyCh := db.notify
			resp := db.pullChangesLocked(cursor, 1<<30)
			db.mu.Unlock()

			for _, c := range resp.Changes {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
			cursor = resp.NextSeqNo

			select {
			case <-notifyCh:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func cloneEntity(e *Entity) *Entity {
	cp := *e
	if e.RemovedAt != nil {
		t := *e.RemovedAt
		cp.RemovedAt = &t
	}
	return &cp
}

func cloneScope(s *Scope) *Scope {
	cp := *s
	if s.RemovedAt != nil {
		t := *s.RemovedAt
		cp.RemovedAt = &t
	}
	return &cp
}
