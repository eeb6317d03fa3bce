package handle

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// EntityDB is the slice of *rtdb.DB the full entity constructor needs.
type EntityDB interface {
	EntityRemover
	UpsertEntity(rtdb.Entity)
	RenameEntity(id.EntityId, string) bool
	MutateEntityBody(id.EntityId, func(rtdb.EntityBody) rtdb.EntityBody) bool
	RegisterBacktrace(site string) id.BacktraceId
}

// New allocates a fresh EntityId, captures the caller's creation site,
// upserts the entity, and returns a single-owner handle. The entity's
// Backtrace and Source are filled in automatically from runtime.Caller —
// callers never pass their own file:line — and Krate records the caller's
// package import path.
func New(db EntityDB, name string, body rtdb.EntityBody) EntityHandle {
	eid := id.NewEntityId()
	site, pkg := callerSite(2)
	bt := db.RegisterBacktrace(site)

	db.UpsertEntity(rtdb.Entity{
		ID:        eid,
		Name:      name,
		Body:      body,
		Backtrace: bt,
		Birth:     ptime.Now(),
		Source:    site,
		Krate:     pkg,
	})

	h := NewEntity(db, eid)
	h.rw = db
	return h
}

// Rename updates the entity's name, reporting whether anything changed.
// Only handles built by New carry the database access this needs; a
// handle built by NewEntity returns false.
func (h EntityHandle) Rename(name string) bool {
	if h.closed || h.rw == nil {
		return false
	}
	return h.rw.RenameEntity(h.id, name)
}

// Mutate applies f to the entity's body, reporting whether the body
// actually changed. f must not call back into the database (the
// database's lock is held while it runs).
func (h EntityHandle) Mutate(f func(rtdb.EntityBody) rtdb.EntityBody) bool {
	if h.closed || h.rw == nil {
		return false
	}
	return h.rw.MutateEntityBody(h.id, f)
}

// callerSite returns the "file:line" and package import path `skip`
// frames above this function.
func callerSite(skip int) (site, pkg string) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0", ""
	}
	site = fmt.Sprintf("%s:%d", file, line)
	if fn := runtime.FuncForPC(pc); fn != nil {
		name := fn.Name() // e.g. "github.com/acme/svc/worker.(*Pool).run"
		if i := strings.LastIndex(name, "/"); i >= 0 {
			if j := strings.Index(name[i:], "."); j >= 0 {
				pkg = name[:i+j]
			}
		} else if j := strings.Index(name, "."); j >= 0 {
			pkg = name[:j]
		}
	}
	return site, pkg
}
