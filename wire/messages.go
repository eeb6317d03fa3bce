// Package wire defines the JSON message families exchanged between an
// instrumented process and a collector (SPEC_FULL.md §6), and the HTTP
// transport that carries them. Grounded on internal/server/sse.go's
// id:/event:/data: SSE framing and connect/httpx's base-URL-prefixing
// client shape.
package wire

import (
	"errors"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/rtdb"
)

// ErrStreamMismatch is returned when a pull request's cursor names a
// stream id that doesn't match the process's current stream — spec.md §9:
// "the stream_id guards against cursors being applied to the wrong
// process; reject mismatched stream_ids at pull time."
var ErrStreamMismatch = errors.New("wire: cursor stream id does not match this process's stream")

// ModuleManifestEntry names one instrumented module a process reports at
// handshake time, so a collector can tell which wrapper primitives it
// should expect entities from.
type ModuleManifestEntry struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// StreamCursor is the wire form of rtdb.Cursor.
type StreamCursor struct {
	StreamID  string `json:"stream_id"`
	NextSeqNo uint64 `json:"next_seq_no"`
}

// FromCursor converts an rtdb.Cursor to its wire form.
func FromCursor(c rtdb.Cursor) StreamCursor {
	return StreamCursor{StreamID: string(c.StreamID), NextSeqNo: uint64(c.NextSeq)}
}

// ToCursor converts a StreamCursor back to its rtdb.Cursor form, the
// inverse of FromCursor.
func (c StreamCursor) ToCursor() rtdb.Cursor {
	return rtdb.Cursor{StreamID: id.StreamId(c.StreamID), NextSeq: id.SeqNo(c.NextSeqNo)}
}

// ServerMessageKind identifies a ServerMessage variant.
type ServerMessageKind string

const (
	ServerMessageCutRequest      ServerMessageKind = "cut_request"
	ServerMessageSnapshotRequest ServerMessageKind = "snapshot_request"
)

// ServerMessage is a message the collector sends to an instrumented
// process (SPEC_FULL.md §6).
type ServerMessage struct {
	Kind ServerMessageKind `json:"kind"`

	CutID      string `json:"cut_id,omitempty"`
	SnapshotID int64  `json:"snapshot_id,omitempty"`
}

// ClientMessageKind identifies a ClientMessage variant.
type ClientMessageKind string

const (
	ClientMessageHandshake     ClientMessageKind = "handshake"
	ClientMessageCutAck        ClientMessageKind = "cut_ack"
	ClientMessageSnapshotReply ClientMessageKind = "snapshot_reply"
	ClientMessageDeltaBatch    ClientMessageKind = "delta_batch"
	ClientMessageError         ClientMessageKind = "error"
)

// ClientMessage is a message an instrumented process sends to the
// collector (SPEC_FULL.md §6).
type ClientMessage struct {
	Kind ClientMessageKind `json:"kind"`

	// Handshake fields.
	ProcessName    string                `json:"process_name,omitempty"`
	PID            int                   `json:"pid,omitempty"`
	ModuleManifest []ModuleManifestEntry `json:"module_manifest,omitempty"`

	// CutAck fields.
	CutID  string       `json:"cut_id,omitempty"`
	Cursor StreamCursor `json:"cursor,omitempty"`

	// SnapshotReply fields.
	SnapshotID int64          `json:"snapshot_id,omitempty"`
	PtimeNowMs int64          `json:"ptime_now_ms,omitempty"`
	Snapshot   *rtdb.Snapshot `json:"snapshot,omitempty"`

	// DeltaBatch field.
	Batch *PullChangesResponse `json:"batch,omitempty"`

	// Error fields.
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`
}

// PullChangesResponse is the wire shape of a change-stream pull
// (SPEC_FULL.md §4.9/§6): unlike rtdb.ChangesResponse (the in-process
// API, which signals a too-old cursor via an error so the caller can
// fall back to a snapshot) the wire form surfaces the fast-forward
// inline via Truncated/CompactedBeforeSeqNo, matching spec.md §4.9's
// rule 1 exactly. See DESIGN.md for why the in-process and wire shapes
// differ.
type PullChangesResponse struct {
	StreamID             string               `json:"stream_id"`
	FromSeqNo            uint64               `json:"from_seq_no"`
	NextSeqNo            uint64               `json:"next_seq_no"`
	Changes              []rtdb.StampedChange `json:"changes"`
	Truncated            bool                 `json:"truncated"`
	CompactedBeforeSeqNo *uint64              `json:"compacted_before_seq_no,omitempty"`
}

// PullChanges assembles the wire response for a pull starting at
// requestedFrom against db: a cursor behind the compaction watermark is
// fast-forwarded (and flagged truncated), max == 0 is a probe returning no
// changes but a correct truncated flag, and a pull that stops short of the
// log's end is flagged truncated so the caller knows to pull again. All of
// this sits on top of rtdb's simpler in-process API (where a too-old
// cursor is an error and 0 means unbounded); the wire layer is where the
// collector-facing pull contract holds exactly.
func PullChanges(db *rtdb.DB, requestedFrom uint64, max int) PullChangesResponse {
	// Clamp: a negative max (bad query input) degrades to a probe, and an
	// absurdly large one must not overflow the probe below.
	if max < 0 {
		max = 0
	} else if max > 1<<30 {
		max = 1 << 30
	}

	compactedBefore := uint64(db.CompactedBefore())
	effectiveFrom := requestedFrom
	truncated := false
	if effectiveFrom < compactedBefore {
		effectiveFrom = compactedBefore
		truncated = true
	}

	// Pull one past max so "did anything remain" falls out of the result
	// length instead of a second lock acquisition. max == 0 probes with a
	// single change it then discards.
	probeMax := max + 1
	resp, err := db.PullChanges(id.SeqNo(effectiveFrom), probeMax)
	if err != nil {
		// The watermark advanced again between our check above and the
		// call below (a concurrent compaction); fast-forward once more.
		effectiveFrom = uint64(db.CompactedBefore())
		truncated = true
		resp, _ = db.PullChanges(id.SeqNo(effectiveFrom), probeMax)
	}

	changes := resp.Changes
	nextSeqNo := uint64(resp.NextSeqNo)
	if max == 0 {
		truncated = truncated || len(changes) > 0
		changes = nil
		nextSeqNo = effectiveFrom
	} else if len(changes) > max {
		changes = changes[:max]
		truncated = true
		nextSeqNo = uint64(changes[len(changes)-1].SeqNo) + 1
	}

	out := PullChangesResponse{
		StreamID:  string(db.StreamID()),
		FromSeqNo: effectiveFrom,
		NextSeqNo: nextSeqNo,
		Changes:   changes,
		Truncated: truncated,
	}
	if compactedBefore > 0 {
		cb := compactedBefore
		out.CompactedBeforeSeqNo = &cb
	}
	return out
}
