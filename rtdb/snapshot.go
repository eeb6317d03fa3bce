package rtdb

import "github.com/riglabs/peeps/ptime"

// Snapshot is a complete, point-in-time copy of the runtime database,
// sufficient on its own to reconstruct the full entity/scope/edge/event
// graph without replaying any change log (SPEC_FULL.md §4.7, C7).
type Snapshot struct {
	Cursor     Cursor            `json:"cursor"`
	PtimeNowMs int64             `json:"ptime_now_ms"`
	SnapshotID int64             `json:"snapshot_id,omitempty"`
	Entities   []Entity          `json:"entities"`
	Scopes     []Scope           `json:"scopes"`
	Links      []EntityScopeLink `json:"links"`
	Edges      []Edge            `json:"edges"`
	Events     []Event           `json:"events"`
}

// Snapshot assembles a full point-in-time snapshot and the cursor a
// subsequent PullChanges/Subscribe call should resume from to see
// exactly the changes made after this snapshot was taken. PtimeNowMs is
// sampled before the lock is taken, so readers know the "as-of" time even
// if the lock was briefly contended. SnapshotID is left zero; snapshot
// ids are monotone per-collector, so the requesting side assigns them.
func (db *DB) Snapshot() Snapshot {
	now := int64(ptime.Now())
	db.mu.Lock()
	defer db.mu.Unlock()
	snap := db.snapshotLocked()
	snap.PtimeNowMs = now
	return snap
}

func (db *DB) snapshotLocked() Snapshot {
	entVals := db.entities.Values()
	entities := make([]Entity, len(entVals))
	for i, e := range entVals {
		entities[i] = *cloneEntity(e)
	}

	scopeVals := db.scopes.Values()
	scopes := make([]Scope, len(scopeVals))
	for i, s := range scopeVals {
		scopes[i] = *cloneScope(s)
	}

	links := make([]EntityScopeLink, 0, len(db.links))
	for k := range db.links {
		links = append(links, EntityScopeLink{EntityID: k.Entity, ScopeID: k.Scope})
	}

	edges := make([]Edge, 0, len(db.edges))
	for _, e := range db.edges {
		edges = append(edges, *e)
	}

	return Snapshot{
		Cursor:   Cursor{StreamID: db.streamID, NextSeq: db.nextSeqNo},
		Entities: entities,
		Scopes:   scopes,
		Links:    links,
		Edges:    edges,
		Events:   db.events.Values(),
	}
}
