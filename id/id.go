// Package id allocates stable, globally-unique opaque identifiers for
// entities, scopes, edges, and backtraces. Ids are never reused.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// EntityId identifies a runtime-observable concurrency object.
type EntityId string

// ScopeId identifies a named lifecycle context.
type ScopeId string

// BacktraceId identifies a creation site.
type BacktraceId string

// FrameId identifies a single stack frame within a backtrace.
type FrameId string

// StreamId identifies a single process's change-log stream. A collector
// rejects a cursor whose StreamId doesn't match the stream it was issued
// against.
type StreamId string

// CutId identifies a single coordinated cut request across processes.
type CutId string

// SeqNo is a stream-local, strictly-increasing sequence number.
type SeqNo uint64

// New generates a random 16-hex-character id with the given prefix
// (e.g. "ent", "scope", "bt"), following the teacher's generateID pattern:
// 8 random bytes from crypto/rand, hex-encoded.
func New(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read failing indicates a broken OS entropy source;
		// there is no sane recovery, so fall back to a process-unique
		// counter rather than silently returning a degenerate id.
		return fmt.Sprintf("%s-fallback-%d", prefix, fallbackCounter.Add(1))
	}
	return prefix + "-" + hex.EncodeToString(b)
}

var fallbackCounter atomic.Uint64

// NewEntityId allocates a fresh EntityId.
func NewEntityId() EntityId { return EntityId(New("ent")) }

// NewScopeId allocates a fresh ScopeId.
func NewScopeId() ScopeId { return ScopeId(New("scope")) }

// NewBacktraceId allocates a fresh BacktraceId.
func NewBacktraceId() BacktraceId { return BacktraceId(New("bt")) }

// NewStreamId allocates a fresh StreamId, one per process lifetime.
func NewStreamId() StreamId { return StreamId(New("stream")) }

// NewCutId allocates a fresh CutId.
func NewCutId() CutId { return CutId(New("cut")) }
