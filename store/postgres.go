// Package store is the collector-side relational persistence layer
// (SPEC_FULL.md §6): it records connections, cuts, cut acks, and stream
// cursors, applies incoming DeltaBatches transactionally into per-process
// replayed entity/scope/edge/event tables, and replays those tables back
// into the collector.ProcessDump shape C10's Ingest consumes. Grounded
// directly on connect/pgx/pgx.go's pgxpool.New-from-DSN shape; the teacher
// itself has no database layer beyond that bare connection helper, so the
// schema and transactional-apply logic here are this module's own,
// following spec.md §6's table literally.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riglabs/peeps/collector"
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
	"github.com/riglabs/peeps/wire"
)

//go:embed schema.sql
var schemaSQL string

// ErrMissingReferent is returned by Replay when a link or edge row survives
// referencing an entity that is no longer present in the replayed state —
// spec.md §7: "a referent (entity/scope) a link or edge names is missing
// from the snapshot... reject the decode; this is an invariant violation
// the implementation must prevent in-process." Upstream rtdb already
// enforces this for a live process; it can only be observed here if a
// crashed process's last delta batch was applied partially (it isn't,
// ApplyBatch is transactional) or if rows were edited out from under the
// collector, so this is a defensive consistency check over replayed rows,
// not a path spec.md expects to be reachable in normal operation.
var ErrMissingReferent = errors.New("store: replayed link or edge names a missing entity or scope")

// Store wraps a Postgres connection pool with the operations the collector
// needs: connection/cut bookkeeping, transactional delta-batch apply, and
// replay of a process's current state for the wait-graph builder.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn (a standard "postgres://" URL, e.g.
// DSN built the same way connect/pgx.DSN builds one from endpoint
// attributes) and returns a Store backed by the resulting pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an already-constructed pool, for callers (tests, cmd/peepsd)
// that manage pool lifetime themselves.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates every table in schema.sql if it doesn't already
// exist. Safe to call on every collector startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// RecordConnection upserts a connections row for a newly handshaken
// process.
func (s *Store) RecordConnection(ctx context.Context, connID, processName string, pid int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (conn_id, process_name, pid, connected_at_ns)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conn_id) DO UPDATE SET
			process_name = EXCLUDED.process_name,
			pid = EXCLUDED.pid,
			connected_at_ns = EXCLUDED.connected_at_ns,
			disconnected_at_ns = NULL
	`, connID, processName, pid, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: record connection %s: %w", connID, err)
	}
	return nil
}

// DisconnectConnection marks a connection as gone (spec.md §4.12:
// "disconnected process... entities/edges from that process freeze at
// their last state"). It deliberately does not delete the replayed
// entities/scopes/edges/events rows — they remain the process's
// last-known state for post-mortem diagnosis.
func (s *Store) DisconnectConnection(ctx context.Context, connID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections SET disconnected_at_ns = $2 WHERE conn_id = $1
	`, connID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: disconnect %s: %w", connID, err)
	}
	return nil
}

// OpenCut records a new cut request.
func (s *Store) OpenCut(ctx context.Context, cutID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cuts (cut_id, requested_at_ns) VALUES ($1, $2)
		ON CONFLICT (cut_id) DO NOTHING
	`, cutID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: open cut %s: %w", cutID, err)
	}
	return nil
}

// RecordCutAck persists one process's ack for a cut, so the change-log
// reader can later request exactly the deltas through that cursor for
// deadlock diagnosis "as of the cut" (spec.md §4.8).
func (s *Store) RecordCutAck(ctx context.Context, cutID, connID string, cursor wire.StreamCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cut_acks (cut_id, conn_id, stream_id, next_seq_no, received_at_ns)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cut_id, conn_id) DO UPDATE SET
			stream_id = EXCLUDED.stream_id,
			next_seq_no = EXCLUDED.next_seq_no,
			received_at_ns = EXCLUDED.received_at_ns
	`, cutID, connID, cursor.StreamID, int64(cursor.NextSeqNo), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: record cut ack %s/%s: %w", cutID, connID, err)
	}
	return nil
}

// ApplyBatch applies every change in batch to connID's replayed state
// transactionally, then upserts its stream cursor — spec.md §6's "writes
// are transactional per delta batch... applies all its changes atomically,
// then upserts the stream cursor."
func (s *Store) ApplyBatch(ctx context.Context, connID string, batch wire.PullChangesResponse) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin apply batch: %w", err)
	}
	defer tx.Rollback(ctx)

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("store: marshal batch: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO delta_batches (conn_id, stream_id, from_seq_no, next_seq_no, payload, received_at_ns)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, connID, batch.StreamID, int64(batch.FromSeqNo), int64(batch.NextSeqNo), payload, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("store: record delta batch: %w", err)
	}

	var maxPtimeMs int64
	for _, sc := range batch.Changes {
		if err := applyChange(ctx, tx, connID, batch.StreamID, sc.Change, &maxPtimeMs); err != nil {
			return fmt.Errorf("store: apply change seq=%d: %w", sc.SeqNo, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stream_cursors (conn_id, stream_id, next_seq_no, updated_at_ns, last_ptime_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conn_id, stream_id) DO UPDATE SET
			next_seq_no = EXCLUDED.next_seq_no,
			updated_at_ns = EXCLUDED.updated_at_ns,
			last_ptime_ms = GREATEST(stream_cursors.last_ptime_ms, EXCLUDED.last_ptime_ms)
	`, connID, batch.StreamID, int64(batch.NextSeqNo), time.Now().UnixNano(), maxPtimeMs); err != nil {
		return fmt.Errorf("store: upsert stream cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit apply batch: %w", err)
	}
	return nil
}

func applyChange(ctx context.Context, tx pgx.Tx, connID, streamID string, c rtdb.Change, maxPtimeMs *int64) error {
	switch c.Kind {
	case rtdb.ChangeUpsertEntity:
		body, err := json.Marshal(c.Entity)
		if err != nil {
			return err
		}
		if int64(c.Entity.Birth) > *maxPtimeMs {
			*maxPtimeMs = int64(c.Entity.Birth)
		}
		if c.Entity.RemovedAt != nil && int64(*c.Entity.RemovedAt) > *maxPtimeMs {
			*maxPtimeMs = int64(*c.Entity.RemovedAt)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO entities (conn_id, stream_id, entity_id, body)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conn_id, stream_id, entity_id) DO UPDATE SET body = EXCLUDED.body
		`, connID, streamID, string(c.Entity.ID), body)
		return err

	case rtdb.ChangeRemoveEntity:
		_, err := tx.Exec(ctx, `
			DELETE FROM entities WHERE conn_id = $1 AND stream_id = $2 AND entity_id = $3
		`, connID, streamID, string(c.RemovedEntityID))
		return err

	case rtdb.ChangeUpsertScope:
		body, err := json.Marshal(c.Scope)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO scopes (conn_id, stream_id, scope_id, body)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conn_id, stream_id, scope_id) DO UPDATE SET body = EXCLUDED.body
		`, connID, streamID, string(c.Scope.ID), body)
		return err

	case rtdb.ChangeRemoveScope:
		_, err := tx.Exec(ctx, `
			DELETE FROM scopes WHERE conn_id = $1 AND stream_id = $2 AND scope_id = $3
		`, connID, streamID, string(c.RemovedScopeID))
		return err

	case rtdb.ChangeUpsertEntityScopeLink:
		_, err := tx.Exec(ctx, `
			INSERT INTO entity_scope_links (conn_id, stream_id, entity_id, scope_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conn_id, stream_id, entity_id, scope_id) DO NOTHING
		`, connID, streamID, string(c.Link.EntityID), string(c.Link.ScopeID))
		return err

	case rtdb.ChangeRemoveEntityScopeLink:
		_, err := tx.Exec(ctx, `
			DELETE FROM entity_scope_links
			WHERE conn_id = $1 AND stream_id = $2 AND entity_id = $3 AND scope_id = $4
		`, connID, streamID, string(c.Link.EntityID), string(c.Link.ScopeID))
		return err

	case rtdb.ChangeUpsertEdge:
		body, err := json.Marshal(c.Edge)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO edges (conn_id, stream_id, src, dst, kind, body)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conn_id, stream_id, src, dst, kind) DO UPDATE SET body = EXCLUDED.body
		`, connID, streamID, string(c.Edge.Src), string(c.Edge.Dst), string(c.Edge.Kind), body)
		return err

	case rtdb.ChangeRemoveEdge:
		_, err := tx.Exec(ctx, `
			DELETE FROM edges WHERE conn_id = $1 AND stream_id = $2 AND src = $3 AND dst = $4 AND kind = $5
		`, connID, streamID, string(c.RemovedEdgeKey.Src), string(c.RemovedEdgeKey.Dst), string(c.RemovedEdgeKey.Kind))
		return err

	case rtdb.ChangeAppendEvent:
		body, err := json.Marshal(c.Event)
		if err != nil {
			return err
		}
		if int64(c.Event.At) > *maxPtimeMs {
			*maxPtimeMs = int64(c.Event.At)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (conn_id, stream_id, event_id, at_ms, body)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (conn_id, stream_id, event_id) DO NOTHING
		`, connID, streamID, c.Event.ID, int64(c.Event.At), body)
		return err

	default:
		// Best-effort durability (spec.md §4.9 rule 4): an unrecognized
		// change kind is skipped rather than failing the whole batch.
		return nil
	}
}

// Replay reconstructs connID's current replayed state as a
// collector.ProcessDump, the input Ingest consumes to build the
// cross-process wait graph.
func (s *Store) Replay(ctx context.Context, connID string) (collector.ProcessDump, error) {
	var pid int
	var lastPtimeMs int64
	row := s.pool.QueryRow(ctx, `SELECT pid FROM connections WHERE conn_id = $1`, connID)
	if err := row.Scan(&pid); err != nil {
		return collector.ProcessDump{}, fmt.Errorf("store: replay %s: lookup pid: %w", connID, err)
	}

	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(last_ptime_ms), 0) FROM stream_cursors WHERE conn_id = $1
	`, connID).Scan(&lastPtimeMs); err != nil {
		return collector.ProcessDump{}, fmt.Errorf("store: replay %s: lookup ptime: %w", connID, err)
	}

	entities, err := s.replayEntities(ctx, connID)
	if err != nil {
		return collector.ProcessDump{}, err
	}
	scopes, err := s.replayScopes(ctx, connID)
	if err != nil {
		return collector.ProcessDump{}, err
	}
	links, err := s.replayLinks(ctx, connID)
	if err != nil {
		return collector.ProcessDump{}, err
	}
	edges, err := s.replayEdges(ctx, connID)
	if err != nil {
		return collector.ProcessDump{}, err
	}
	events, err := s.replayEvents(ctx, connID)
	if err != nil {
		return collector.ProcessDump{}, err
	}

	if err := checkReferents(entities, scopes, links, edges); err != nil {
		return collector.ProcessDump{}, fmt.Errorf("store: replay %s: %w", connID, err)
	}

	return collector.ProcessDump{
		PID:      connID,
		Now:      ptime.Ptime(lastPtimeMs),
		Entities: entities,
		Scopes:   scopes,
		Links:    links,
		Edges:    edges,
		Events:   events,
	}, nil
}

// checkReferents verifies every link and edge names entities/scopes present
// in the replayed rows, per spec.md §7's missing-referent invariant.
func checkReferents(entities []rtdb.Entity, scopes []rtdb.Scope, links []rtdb.EntityScopeLink, edges []rtdb.Edge) error {
	entityIDs := make(map[id.EntityId]struct{}, len(entities))
	for _, e := range entities {
		entityIDs[e.ID] = struct{}{}
	}
	scopeIDs := make(map[id.ScopeId]struct{}, len(scopes))
	for _, sc := range scopes {
		scopeIDs[sc.ID] = struct{}{}
	}

	for _, l := range links {
		if _, ok := entityIDs[l.EntityID]; !ok {
			return fmt.Errorf("%w: link entity %s", ErrMissingReferent, l.EntityID)
		}
		if _, ok := scopeIDs[l.ScopeID]; !ok {
			return fmt.Errorf("%w: link scope %s", ErrMissingReferent, l.ScopeID)
		}
	}
	for _, e := range edges {
		if _, ok := entityIDs[e.Src]; !ok {
			return fmt.Errorf("%w: edge src %s", ErrMissingReferent, e.Src)
		}
		if _, ok := entityIDs[e.Dst]; !ok {
			return fmt.Errorf("%w: edge dst %s", ErrMissingReferent, e.Dst)
		}
	}
	return nil
}

func (s *Store) replayEntities(ctx context.Context, connID string) ([]rtdb.Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM entities WHERE conn_id = $1`, connID)
	if err != nil {
		return nil, fmt.Errorf("store: replay entities: %w", err)
	}
	defer rows.Close()

	var out []rtdb.Entity
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e rtdb.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("store: decode entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) replayScopes(ctx context.Context, connID string) ([]rtdb.Scope, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM scopes WHERE conn_id = $1`, connID)
	if err != nil {
		return nil, fmt.Errorf("store: replay scopes: %w", err)
	}
	defer rows.Close()

	var out []rtdb.Scope
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sc rtdb.Scope
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("store: decode scope: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) replayLinks(ctx context.Context, connID string) ([]rtdb.EntityScopeLink, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_id, scope_id FROM entity_scope_links WHERE conn_id = $1`, connID)
	if err != nil {
		return nil, fmt.Errorf("store: replay links: %w", err)
	}
	defer rows.Close()

	var out []rtdb.EntityScopeLink
	for rows.Next() {
		var eid, sid string
		if err := rows.Scan(&eid, &sid); err != nil {
			return nil, err
		}
		out = append(out, rtdb.EntityScopeLink{EntityID: id.EntityId(eid), ScopeID: id.ScopeId(sid)})
	}
	return out, rows.Err()
}

func (s *Store) replayEdges(ctx context.Context, connID string) ([]rtdb.Edge, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM edges WHERE conn_id = $1`, connID)
	if err != nil {
		return nil, fmt.Errorf("store: replay edges: %w", err)
	}
	defer rows.Close()

	var out []rtdb.Edge
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e rtdb.Edge
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("store: decode edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) replayEvents(ctx context.Context, connID string) ([]rtdb.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM events WHERE conn_id = $1 ORDER BY at_ms`, connID)
	if err != nil {
		return nil, fmt.Errorf("store: replay events: %w", err)
	}
	defer rows.Close()

	var out []rtdb.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev rtdb.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
