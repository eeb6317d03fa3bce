// Package handle provides ref-counted, idempotent-drop wrappers over
// runtime-database entities, scopes, and edges — the Go re-expression of
// SPEC_FULL.md §4.5's "model as a shared counted box; drop of the last
// share triggers a database call." Go has no destructors, so the database
// call fires from an explicit Close, not implicitly at scope exit; callers
// are expected to defer Close the way the rest of the ecosystem defers
// io.Closer.Close.
package handle

import "sync"

// refBox is the shared counted box: every live handle cloned from the same
// origin points at one refBox. onZero fires exactly once, when the last
// clone is closed.
type refBox struct {
	mu     sync.Mutex
	count  int
	closed bool
	onZero func()
}

func newRefBox(onZero func()) *refBox {
	return &refBox{count: 1, onZero: onZero}
}

// clone bumps the share count. Returns false if the box has already hit
// zero (the referent is gone — cloning a closed handle is a bug).
func (b *refBox) clone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.count++
	return true
}

// release drops one share. If the count reaches zero, onZero fires exactly
// once. Calling release more times than the box was cloned plus one is a
// caller bug; release is idempotent only with respect to a single handle's
// own double-Close, tracked by the handle itself, not here.
func (b *refBox) release() {
	b.mu.Lock()
	b.count--
	fire := b.count == 0 && !b.closed
	if fire {
		b.closed = true
	}
	b.mu.Unlock()
	if fire {
		b.onZero()
	}
}

// tryUpgrade bumps the share count iff the box has not yet hit zero, used
// by weak handles.
func (b *refBox) tryUpgrade() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.count++
	return true
}
