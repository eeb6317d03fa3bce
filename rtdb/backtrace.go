package rtdb

import "github.com/riglabs/peeps/id"

// RegisterBacktrace interns a creation site (a "file:line" string) and
// returns its stable BacktraceId. The same site always maps to the same
// id, so entities created in a loop share one backtrace entry.
func (db *DB) RegisterBacktrace(site string) id.BacktraceId {
	db.mu.Lock()
	defer db.mu.Unlock()

	if bt, ok := db.backtraceBySite[site]; ok {
		return bt
	}
	bt := id.NewBacktraceId()
	db.backtraceBySite[site] = bt
	db.backtraces[bt] = site
	return bt
}

// Backtraces returns a copy of the in-process symbolication table:
// BacktraceId to the "file:line" creation site it was registered with.
func (db *DB) Backtraces() map[id.BacktraceId]string {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make(map[id.BacktraceId]string, len(db.backtraces))
	for bt, site := range db.backtraces {
		out[bt] = site
	}
	return out
}
