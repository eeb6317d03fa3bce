package rtdb

import "github.com/riglabs/peeps/id"

// changeKey identifies what a Change supersedes: two changes with the same
// changeKey are about the same entity/scope/link/edge, and the later one
// makes the earlier one redundant for anyone replaying from a cursor that
// starts after both. Event changes get a key unique to that one event —
// events are never superseded by later events, only evicted by the ring
// buffer (see RecordEvent).
type changeKey struct {
	kind ChangeKind
	a    string
	b    string
	c    string
}

func keyFor(c Change) changeKey {
	switch c.Kind {
	case ChangeUpsertEntity:
		return changeKey{kind: ChangeUpsertEntity, a: string(c.Entity.ID)}
	case ChangeRemoveEntity:
		return changeKey{kind: ChangeUpsertEntity, a: string(c.RemovedEntityID)}
	case ChangeUpsertScope:
		return changeKey{kind: ChangeUpsertScope, a: string(c.Scope.ID)}
	case ChangeRemoveScope:
		return changeKey{kind: ChangeUpsertScope, a: string(c.RemovedScopeID)}
	case ChangeUpsertEntityScopeLink:
		return changeKey{kind: ChangeUpsertEntityScopeLink, a: string(c.Link.EntityID), b: string(c.Link.ScopeID)}
	case ChangeRemoveEntityScopeLink:
		return changeKey{kind: ChangeUpsertEntityScopeLink, a: string(c.Link.EntityID), b: string(c.Link.ScopeID)}
	case ChangeUpsertEdge:
		return changeKey{kind: ChangeUpsertEdge, a: string(c.Edge.Src), b: string(c.Edge.Dst), c: string(c.Edge.Kind)}
	case ChangeRemoveEdge:
		return changeKey{kind: ChangeUpsertEdge, a: string(c.RemovedEdgeKey.Src), b: string(c.RemovedEdgeKey.Dst), c: string(c.RemovedEdgeKey.Kind)}
	case ChangeAppendEvent:
		return changeKey{kind: ChangeAppendEvent, a: c.Event.ID}
	default:
		return changeKey{kind: c.Kind}
	}
}

// compactLocked shrinks the change log by dropping changes that a later
// change in the log has superseded. It walks the log in reverse, keeping
// the first (i.e. most recent) change seen for each changeKey and every
// append_event change, stopping outright once the keep set reaches the
// compaction target, then reverses the kept set back into chronological
// order. compactedBefore is raised to the smallest surviving SeqNo, which
// tells pull_changes a cursor older than that needs a snapshot rather than
// a replay. Caller must hold db.mu.
func (db *DB) compactLocked() {
	if len(db.changeLog) == 0 {
		return
	}

	seen := make(map[changeKey]struct{}, len(db.changeLog))
	kept := make([]StampedChange, 0, db.compactTargetChanges)
	for i := len(db.changeLog) - 1; i >= 0; i-- {
		if len(kept) >= db.compactTargetChanges {
			// Target reached: everything older is cut off, superseded or
			// not. The watermark below tells readers the truncation point;
			// without this stop the log cannot shrink once the distinct
			// live keys outnumber the target.
			break
		}
		sc := db.changeLog[i]
		k := keyFor(sc.Change)
		if sc.Change.Kind != ChangeAppendEvent {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		kept = append(kept, sc)
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}

	db.changeLog = kept
	if len(kept) > 0 {
		db.compactedBefore = kept[0].SeqNo
	} else {
		db.compactedBefore = db.nextSeqNo
	}
}

// CompactedBefore returns the earliest SeqNo the change log can still
// replay from. PullChanges rejects a cursor below this watermark with
// ErrCursorTooOld (the caller needs a fresh Snapshot); Subscribe from such
// a cursor starts at the oldest surviving change without reporting the gap.
func (db *DB) CompactedBefore() id.SeqNo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.compactedBefore
}
