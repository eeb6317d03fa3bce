// Package instrument provides representative wrapper types over Go's
// concurrency primitives and subprocess execution, each registering an
// entity in the runtime database and recording waits-on/holds/owns edges
// around blocking operations (SPEC_FULL.md §4's "wrapper contract": one
// worked example per primitive family, not an exhaustive reimplementation
// of every stdlib type).
package instrument

import (
	"fmt"
	"runtime"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/rtdb"
)

// DB is the slice of *rtdb.DB every wrapper in this package needs.
type DB interface {
	UpsertEntity(rtdb.Entity)
	MutateEntityBody(id.EntityId, func(rtdb.EntityBody) rtdb.EntityBody) bool
	UpsertEdge(src, dst id.EntityId, kind rtdb.EdgeKind, bt id.BacktraceId)
	RemoveEdge(src, dst id.EntityId, kind rtdb.EdgeKind)
	RemoveEntity(id.EntityId)
	RegisterBacktrace(site string) id.BacktraceId
}

// callerBacktrace captures the wrapper constructor's call site `skip`
// frames up and interns it in the database's backtrace table, so every
// entity a wrapper creates carries its creation-site provenance without
// callers passing it in. Edges established by the wrapper reuse the same
// id: the wrapper's construction site is where the relation was set up.
func callerBacktrace(db DB, skip int) (id.BacktraceId, string) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "", ""
	}
	site := fmt.Sprintf("%s:%d", file, line)
	return db.RegisterBacktrace(site), site
}
