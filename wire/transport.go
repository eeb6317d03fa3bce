package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/rtdb"
)

// Client is an HTTP client that prepends a base URL to all request paths,
// grounded on connect/httpx.Client's exact shape.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a Client for the given process's ingest base URL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	hasBody := body != nil
	if hasBody {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wire: encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("wire: build request: %w", err)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("wire: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return ErrStreamMismatch
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wire: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Handshake posts the process's handshake to the collector.
func (c *Client) Handshake(ctx context.Context, msg ClientMessage) error {
	msg.Kind = ClientMessageHandshake
	return c.do(ctx, http.MethodPost, "/handshake", msg, nil)
}

// PullChanges issues a single poll-style change pull.
func (c *Client) PullChanges(ctx context.Context, from id.SeqNo, max int) (PullChangesResponse, error) {
	var out PullChangesResponse
	path := fmt.Sprintf("/changes?from=%d&max=%d", from, max)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// PullChangesFromCursor is PullChanges with the stream id carried along so
// the process can reject a cursor issued against a different stream
// (spec.md §9's "reject mismatched stream_ids at pull time") instead of
// silently answering against whatever stream happens to be current.
func (c *Client) PullChangesFromCursor(ctx context.Context, cursor StreamCursor, max int) (PullChangesResponse, error) {
	var out PullChangesResponse
	path := fmt.Sprintf("/changes?from=%d&max=%d&stream_id=%s", cursor.NextSeqNo, max, cursor.StreamID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Snapshot fetches a full point-in-time snapshot. snapshotID names the
// collector-assigned point-in-time view this snapshot answers (snapshot
// ids are monotone per-collector); the process echoes it back in the
// reply envelope.
func (c *Client) Snapshot(ctx context.Context, snapshotID int64) (rtdb.Snapshot, error) {
	var reply ClientMessage
	path := fmt.Sprintf("/snapshot?snapshot_id=%d", snapshotID)
	if err := c.do(ctx, http.MethodGet, path, nil, &reply); err != nil {
		return rtdb.Snapshot{}, err
	}
	if reply.Snapshot == nil {
		return rtdb.Snapshot{}, fmt.Errorf("wire: snapshot reply carried no snapshot")
	}
	return *reply.Snapshot, nil
}

// RequestCut posts a CutRequest to the process and returns the cursor from
// its CutAck.
func (c *Client) RequestCut(ctx context.Context, cutID string) (StreamCursor, error) {
	var ack ClientMessage
	err := c.do(ctx, http.MethodPost, "/cut", ServerMessage{Kind: ServerMessageCutRequest, CutID: cutID}, &ack)
	return ack.Cursor, err
}

// --- Process-side HTTP handler ------------------------------------------

// CutRequestHandler answers a CutRequest with the cursor promise
// described in spec.md §4.8: "every change with seq_no < cursor.next_seq_no
// has been (or will be) delivered... before I deliver anything with
// seq_no >= it."
type CutRequestHandler interface {
	HandleCutRequest(cutID string) rtdb.Cursor
}

// NewProcessHandler builds the HTTP surface an instrumented process
// exposes to its collector: change pulls (poll and SSE), snapshot
// requests, and cut acknowledgement. Grounded on internal/server/sse.go's
// replay-then-stream convention and internal/server/server.go's
// http.ServeMux route style.
func NewProcessHandler(db *rtdb.DB, cuts CutRequestHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /changes", func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
		max, _ := strconv.Atoi(r.URL.Query().Get("max"))
		if wantStream := r.URL.Query().Get("stream_id"); wantStream != "" && wantStream != string(db.StreamID()) {
			http.Error(w, ErrStreamMismatch.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, PullChanges(db, from, max))
	})

	mux.HandleFunc("GET /changes/stream", func(w http.ResponseWriter, r *http.Request) {
		handleChangeStream(w, r, db)
	})

	mux.HandleFunc("GET /snapshot", func(w http.ResponseWriter, r *http.Request) {
		snapshotID, _ := strconv.ParseInt(r.URL.Query().Get("snapshot_id"), 10, 64)
		snap := db.Snapshot()
		snap.SnapshotID = snapshotID
		writeJSON(w, http.StatusOK, ClientMessage{
			Kind:       ClientMessageSnapshotReply,
			SnapshotID: snapshotID,
			PtimeNowMs: snap.PtimeNowMs,
			Snapshot:   &snap,
		})
	})

	mux.HandleFunc("POST /cut", func(w http.ResponseWriter, r *http.Request) {
		var req ServerMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cursor := cuts.HandleCutRequest(req.CutID)
		writeJSON(w, http.StatusOK, ClientMessage{
			Kind:   ClientMessageCutAck,
			CutID:  req.CutID,
			Cursor: FromCursor(cursor),
		})
	})

	return mux
}

// handleChangeStream replays from Last-Event-ID (or the from query param)
// and then streams new StampedChanges as they're recorded, reusing
// writeSSEEvent's exact id:/event:/data: framing with StampedChange.SeqNo
// as the SSE id (SPEC_FULL.md §4.9).
func handleChangeStream(w http.ResponseWriter, r *http.Request, db *rtdb.DB) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var from uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		from, _ = strconv.ParseUint(lastID, 10, 64)
	} else if q := r.URL.Query().Get("from"); q != "" {
		from, _ = strconv.ParseUint(q, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := db.Subscribe(r.Context(), id.SeqNo(from))
	for sc := range ch {
		if err := writeSSEEvent(w, flusher, sc); err != nil {
			return // client disconnected
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, sc rtdb.StampedChange) error {
	data, err := json.Marshal(sc.Change)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", sc.SeqNo, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve starts an HTTP server on addr with handler, blocking until ctx is
// cancelled, then shutting down gracefully with a 5s timeout. Grounded on
// connect/httpx.Serve.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	return serve(ctx, addr, handler)
}

// ServeH2C is Serve with cleartext HTTP/2 enabled, so gRPC-style clients
// (and long-lived change streams) can multiplex over a plain TCP
// connection without TLS.
func ServeH2C(ctx context.Context, addr string, handler http.Handler) error {
	h2s := &http2.Server{}
	return serve(ctx, addr, h2c.NewHandler(handler, h2s))
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
