// Package rpcinstrument provides gRPC unary client/server interceptors that
// materialize Request/Response entities (SPEC_FULL.md §3's RequestBody),
// record a waits-on edge from the caller's waiter to its outgoing request
// (which C10's ingest turns into the client-to-request graph edge), and
// correlate a call across processes via a request id carried in gRPC
// metadata — the input C12's cross-process stitcher joins on. The server
// side records no edge of its own. Grounded on
// internal/server/proxy/kafka.go's correlationTracker (a correlation-id ->
// pending-request map, the same shape this package's client side needs)
// and internal/server/proxy/grpc.go, which already treats gRPC traffic as
// an observable wire protocol worth decorating.
package rpcinstrument

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/riglabs/peeps/causal"
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

// correlationMetadataKey is the gRPC metadata key carrying the request id
// C12's stitcher correlates on (spec.md §4.10: "identical
// (method_name, request_id) in different processes").
const correlationMetadataKey = "peeps-request-id"

// DB is the slice of *rtdb.DB this package needs.
type DB interface {
	UpsertEntity(rtdb.Entity)
	RemoveEntity(id.EntityId)
	UpsertEdge(src, dst id.EntityId, kind rtdb.EdgeKind, bt id.BacktraceId)
	RemoveEdge(src, dst id.EntityId, kind rtdb.EdgeKind)
}

// WithWaiter returns a copy of ctx naming waiter as the entity any
// outgoing RPC made through this context should attribute a waits-on edge
// to. It is causal.WithWaiter re-exported so callers instrumenting only
// their RPC layer don't need a second import; the interceptors resolve
// the waiter through causal.ResolveWaiter, so a target pushed on the
// goroutine stack works too.
func WithWaiter(ctx context.Context, waiter id.EntityId) context.Context {
	return causal.WithWaiter(ctx, waiter)
}

// UnaryClientInterceptor creates a Request entity (Outgoing=true) for every
// outgoing unary call, for as long as the call is in flight, and — if the
// call's context names a waiter via WithWaiter — a waits-on edge from that
// waiter to the request. The request id is propagated to the peer via
// gRPC metadata so C12 can stitch this request to the matching incoming
// request node in the peer's process.
func UnaryClientInterceptor(db DB, peerName string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		reqID := id.New("req")
		eid := id.NewEntityId()
		bt := id.NewBacktraceId()

		db.UpsertEntity(rtdb.Entity{
			ID:        eid,
			Name:      method,
			Backtrace: bt,
			Birth:     ptime.Now(),
			Body: rtdb.RequestBody{
				Method:     method,
				RequestID:  reqID,
				Outgoing:   true,
				PeerName:   peerName,
				Connection: cc.Target(),
				StartedAt:  ptime.Now(),
			},
		})
		defer db.RemoveEntity(eid)

		if waiter, ok := causal.ResolveWaiter(ctx); ok {
			db.UpsertEdge(waiter, eid, rtdb.EdgeWaitingOn, bt)
			defer db.RemoveEdge(waiter, eid, rtdb.EdgeWaitingOn)
		}

		ctx = metadata.AppendToOutgoingContext(ctx, correlationMetadataKey, reqID)
		err := invoker(ctx, method, req, reply, cc, opts...)

		respID := id.NewEntityId()
		db.UpsertEntity(rtdb.Entity{
			ID:        respID,
			Name:      method,
			Backtrace: bt,
			Birth:     ptime.Now(),
			Body: rtdb.ResponseBody{
				Method:     method,
				RequestID:  reqID,
				StatusCode: status.Code(err).String(),
			},
		})
		db.RemoveEntity(respID)

		return err
	}
}

// UnaryServerInterceptor creates a Request entity (Outgoing=false) for
// every incoming unary call for the duration of its handling, tagging the
// handler's context with that entity as the current waiter (via
// WithWaiter) so any outgoing call the handler itself makes attributes its
// wait correctly — the re-expression of spec.md's RpcRequestToServerTask
// edge, which needs the server-side task/request pairing C10's ingest
// rules read back out.
func UnaryServerInterceptor(db DB, processName string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := incomingRequestID(ctx)
		eid := id.NewEntityId()
		bt := id.NewBacktraceId()

		db.UpsertEntity(rtdb.Entity{
			ID:        eid,
			Name:      info.FullMethod,
			Backtrace: bt,
			Birth:     ptime.Now(),
			Body: rtdb.RequestBody{
				Method:     info.FullMethod,
				RequestID:  reqID,
				Outgoing:   false,
				PeerName:   processName,
				StartedAt:  ptime.Now(),
			},
		})
		defer db.RemoveEntity(eid)

		return handler(WithWaiter(ctx, eid), req)
	}
}

// incomingRequestID reads the correlation id a client interceptor attached,
// falling back to a fresh one for calls that arrived without it (e.g. from
// a non-instrumented client) so the entity still gets a stable RequestID.
func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if vals := md.Get(correlationMetadataKey); len(vals) > 0 {
			return vals[0]
		}
	}
	return id.New("req")
}
