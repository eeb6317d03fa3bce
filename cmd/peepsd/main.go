// Command peepsd is the collector daemon (SPEC_FULL.md §6): it polls a
// fixed set of instrumented processes for change-log deltas, persists their
// replayed state, stitches their wait graphs together, and serves cycle
// analysis and coordinated-cut requests over HTTP. Grounded on
// cmd/rigd/main.go's flag-parsing/signal-handling shape and
// server/lifecycle.go's run.Group supervision tree, repurposed from
// service-process supervision to per-process poll loops.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/matgreaves/run"

	"github.com/riglabs/peeps/collector"
	"github.com/riglabs/peeps/cut"
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/store"
	"github.com/riglabs/peeps/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7070", "collector API listen address")
	ingestAddr := flag.String("ingest-addr", "127.0.0.1:7069", "ingest listen address (processes push handshakes, cut acks, delta batches here)")
	processes := flag.String("processes", "", "comma-separated list of instrumented process base URLs")
	pollInterval := flag.Duration("poll", 500*time.Millisecond, "change-pull interval per process")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN for persistent replay state (required)")
	quiescence := flag.Duration("quiescence", cut.DefaultQuiescenceTimeout, "coordinated-cut quiescence timeout")
	flag.Parse()

	procList := splitNonEmpty(*processes)
	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "peepsd: -postgres-dsn is required")
		os.Exit(1)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	st, err := store.Open(ctx, *postgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peepsd: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "peepsd: %v\n", err)
		os.Exit(1)
	}

	d := &daemon{
		store:       st,
		coordinator: cut.NewCoordinator().WithQuiescenceTimeout(*quiescence),
		thresholds:  collector.DefaultThresholds(),
		pushed:      make(map[string]struct{}),
	}
	for _, base := range procList {
		d.conns = append(d.conns, &processConn{
			connID: base,
			client: wire.NewClient(base),
		})
	}

	group := run.Group{
		"api": run.Func(func(ctx context.Context) error {
			return wire.Serve(ctx, *addr, d.apiHandler())
		}),
		// h2c so pushing processes can multiplex long-lived streams over
		// cleartext HTTP/2.
		"ingest": run.Func(func(ctx context.Context) error {
			return wire.ServeH2C(ctx, *ingestAddr, d.ingestHandler())
		}),
	}
	for _, pc := range d.conns {
		pc := pc
		group["poll-"+pc.connID] = run.Func(func(ctx context.Context) error {
			return pollLoop(ctx, d, pc, *pollInterval)
		})
	}

	fmt.Fprintf(os.Stderr, "peepsd: listening on %s, watching %d process(es)\n", *addr, len(procList))
	if err := group.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "peepsd: %v\n", err)
		os.Exit(1)
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// processConn tracks one instrumented process's poll cursor alongside the
// client used to pull its changes and issue cut requests against it.
type processConn struct {
	connID string
	client *wire.Client

	mu       sync.Mutex
	nextFrom uint64
}

// daemon holds the collector's shared state: the set of watched processes,
// the persistent replay store, and the cut coordinator. The wait graph
// itself is rebuilt from scratch on every poll tick rather than maintained
// incrementally, matching collector.Ingest's "call once per snapshot"
// contract (SPEC_FULL.md §4.10).
type daemon struct {
	store       *store.Store
	coordinator *cut.Coordinator
	thresholds  collector.Thresholds
	conns       []*processConn

	mu         sync.RWMutex
	candidates []collector.Candidate
	pushed     map[string]struct{} // conn ids seen via the ingest listener
}

// pollLoop repeatedly pulls changes from pc and applies them to the store,
// then triggers a fresh graph rebuild, until ctx is cancelled. Grounded on
// internal/server/watchdog.go's ticker-driven polling loop.
func pollLoop(ctx context.Context, d *daemon, pc *processConn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := pollOnce(ctx, d, pc); err != nil {
				fmt.Fprintf(os.Stderr, "peepsd: poll %s: %v\n", pc.connID, err)
				continue
			}
			d.rebuild(ctx)
		}
	}
}

// pullBatchSize bounds one delta batch; a response flagged truncated is
// followed up immediately rather than waiting out the next poll tick.
const pullBatchSize = 4096

func pollOnce(ctx context.Context, d *daemon, pc *processConn) error {
	for {
		pc.mu.Lock()
		from := pc.nextFrom
		pc.mu.Unlock()

		resp, err := pc.client.PullChanges(ctx, id.SeqNo(from), pullBatchSize)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		if err := d.store.ApplyBatch(ctx, pc.connID, resp); err != nil {
			return fmt.Errorf("apply: %w", err)
		}

		pc.mu.Lock()
		pc.nextFrom = resp.NextSeqNo
		pc.mu.Unlock()

		if !resp.Truncated || len(resp.Changes) == 0 {
			return nil
		}
	}
}

// connIDs returns every process the collector knows about: the polled set
// plus any process that has pushed through the ingest listener.
func (d *daemon) connIDs() []string {
	seen := make(map[string]struct{}, len(d.conns))
	var out []string
	for _, pc := range d.conns {
		seen[pc.connID] = struct{}{}
		out = append(out, pc.connID)
	}
	d.mu.RLock()
	for name := range d.pushed {
		if _, dup := seen[name]; !dup {
			out = append(out, name)
		}
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// rebuild replays every known process's current state, ingests each into
// a fresh wait graph, stitches cross-process RPC edges, and re-analyzes for
// cycle candidates (C9/C10/C12, spec.md §4.10-§4.11).
func (d *daemon) rebuild(ctx context.Context) {
	g := collector.NewGraph()
	ids := d.connIDs()
	dumps := make([]collector.ProcessDump, 0, len(ids))
	for _, connID := range ids {
		dump, err := d.store.Replay(ctx, connID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "peepsd: replay %s: %v\n", connID, err)
			continue
		}
		collector.Ingest(g, dump)
		dumps = append(dumps, dump)
	}
	collector.Stitch(g, dumps)
	candidates := collector.Analyze(g, d.thresholds)

	d.mu.Lock()
	d.candidates = candidates
	d.mu.Unlock()
}

// ingestHandler serves the process-facing surface: handshakes, pushed
// delta batches, and cut acks from instrumented processes that prefer
// push over being polled. A pushing process names itself via the
// process_name field of each ClientMessage; that name doubles as its
// connection id in the store.
func (d *daemon) ingestHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /handshake", func(w http.ResponseWriter, r *http.Request) {
		msg, ok := decodeClientMessage(w, r)
		if !ok {
			return
		}
		if err := d.store.RecordConnection(r.Context(), msg.ProcessName, msg.ProcessName, msg.PID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.mu.Lock()
		d.pushed[msg.ProcessName] = struct{}{}
		d.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /batch", func(w http.ResponseWriter, r *http.Request) {
		msg, ok := decodeClientMessage(w, r)
		if !ok {
			return
		}
		if msg.Batch == nil {
			http.Error(w, "delta_batch message carried no batch", http.StatusBadRequest)
			return
		}
		if err := d.store.ApplyBatch(r.Context(), msg.ProcessName, *msg.Batch); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.mu.Lock()
		d.pushed[msg.ProcessName] = struct{}{}
		d.mu.Unlock()
		d.rebuild(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /ack", func(w http.ResponseWriter, r *http.Request) {
		msg, ok := decodeClientMessage(w, r)
		if !ok {
			return
		}
		d.coordinator.Ack(id.CutId(msg.CutID), msg.ProcessName, msg.Cursor.ToCursor())
		if err := d.store.RecordCutAck(r.Context(), msg.CutID, msg.ProcessName, msg.Cursor); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func decodeClientMessage(w http.ResponseWriter, r *http.Request) (wire.ClientMessage, bool) {
	var msg wire.ClientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return wire.ClientMessage{}, false
	}
	if msg.ProcessName == "" {
		http.Error(w, "client message missing process_name", http.StatusBadRequest)
		return wire.ClientMessage{}, false
	}
	return msg, true
}

// apiHandler serves the collector's operator-facing surface: current cycle
// candidates and coordinated-cut requests.
func (d *daemon) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /cycles", func(w http.ResponseWriter, r *http.Request) {
		d.mu.RLock()
		candidates := d.candidates
		d.mu.RUnlock()

		writeJSON(w, struct {
			Processes  []string              `json:"processes"`
			Candidates []collector.Candidate `json:"candidates"`
		}{Processes: d.connIDs(), Candidates: candidates})
	})

	mux.HandleFunc("POST /cuts", func(w http.ResponseWriter, r *http.Request) {
		result, err := d.runCut(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	})

	return mux
}

// runCut drives one coordinated-cut round: open against every currently
// watched process, request a cursor from each over HTTP, and wait for
// quiescence (spec.md §4.8).
func (d *daemon) runCut(ctx context.Context) (cut.Result, error) {
	cutID := id.NewCutId()

	names := make([]string, len(d.conns))
	for i, pc := range d.conns {
		names[i] = pc.connID
	}
	if err := d.coordinator.Open(cutID, names); err != nil {
		return cut.Result{}, err
	}
	defer d.coordinator.Forget(cutID)

	var wg sync.WaitGroup
	for _, pc := range d.conns {
		pc := pc
		wg.Add(1)
		go func() {
			defer wg.Done()
			cursor, err := pc.client.RequestCut(ctx, string(cutID))
			if err != nil {
				fmt.Fprintf(os.Stderr, "peepsd: cut request to %s: %v\n", pc.connID, err)
				return
			}
			d.coordinator.Ack(cutID, pc.connID, cursor.ToCursor())
			_ = d.store.RecordCutAck(ctx, string(cutID), pc.connID, cursor)
		}()
	}
	wg.Wait()

	return d.coordinator.Wait(ctx, cutID)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
