// Package causal tracks "what is the current task" for code that has no
// explicit handle to thread through — the thing Rust's task-local storage
// gives peeps-tokio for free and Go has no equivalent of. Two mechanisms
// are provided, matching the two options SPEC_FULL.md names for this gap:
// a goroutine-identity-keyed stack (for code that can't carry a
// context.Context, e.g. instrumentation wrapping a raw goroutine spawn) and
// a context.Context-carried stack (for everything else — the idiomatic Go
// default).
package causal

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/riglabs/peeps/id"
)

// goroutineID extracts the numeric goroutine id from the header line of
// runtime.Stack's output ("goroutine 37 [running]:..."). This relies on an
// undocumented but long-stable runtime.Stack output format; if the format
// ever changes, ok is false and callers should fall back to the
// context.Context-carried stack instead.
func goroutineID() (uint64, bool) {
	buf := make([]byte, 64)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0, false
	}
	rest := buf[len(prefix):]
	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(rest[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GoroutineStack attributes a current task scope per goroutine. It is a
// last resort for code that spawns a raw goroutine without a
// context.Context in hand; prefer the context.Context-based API in
// context.go wherever a Context is available.
type GoroutineStack struct {
	mu    sync.Mutex
	byGID map[uint64][]id.ScopeId
}

// NewGoroutineStack creates an empty stack.
func NewGoroutineStack() *GoroutineStack {
	return &GoroutineStack{byGID: make(map[uint64][]id.ScopeId)}
}

// Push attaches scope as the current task scope for the calling goroutine,
// returning a pop function the caller must invoke when the scope ends
// (typically via defer).
func (s *GoroutineStack) Push(scope id.ScopeId) (pop func()) {
	gid, ok := goroutineID()
	if !ok {
		return func() {}
	}
	s.mu.Lock()
	s.byGID[gid] = append(s.byGID[gid], scope)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		stack := s.byGID[gid]
		if len(stack) == 0 {
			return
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			delete(s.byGID, gid)
		} else {
			s.byGID[gid] = stack
		}
	}
}

// Current returns the innermost scope pushed on the calling goroutine, if
// any.
func (s *GoroutineStack) Current() (id.ScopeId, bool) {
	gid, ok := goroutineID()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.byGID[gid]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1], true
}
