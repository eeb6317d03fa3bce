package rpcinstrument

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/riglabs/peeps/causal"
	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/rtdb"
)

type fakeDB struct {
	upserted []rtdb.Entity
	removed  []id.EntityId
	edgesUp  [][3]string
	edgesDn  [][3]string
}

func (f *fakeDB) UpsertEntity(e rtdb.Entity) { f.upserted = append(f.upserted, e) }
func (f *fakeDB) RemoveEntity(eid id.EntityId) { f.removed = append(f.removed, eid) }
func (f *fakeDB) UpsertEdge(src, dst id.EntityId, kind rtdb.EdgeKind, bt id.BacktraceId) {
	f.edgesUp = append(f.edgesUp, [3]string{string(src), string(dst), string(kind)})
}
func (f *fakeDB) RemoveEdge(src, dst id.EntityId, kind rtdb.EdgeKind) {
	f.edgesDn = append(f.edgesDn, [3]string{string(src), string(dst), string(kind)})
}

func TestUnaryClientInterceptor_RecordsWaitsOnEdgeWhileInFlight(t *testing.T) {
	db := &fakeDB{}
	waiter := id.NewEntityId()
	ctx := WithWaiter(context.Background(), waiter)

	cc, err := grpc.NewClient("passthrough:///test", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer cc.Close()

	interceptor := UnaryClientInterceptor(db, "peer")

	var sawEdgeDuringCall bool
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		sawEdgeDuringCall = len(db.edgesUp) == 1 && len(db.edgesDn) == 0
		return nil
	}

	if err := interceptor(ctx, "/svc/Method", nil, nil, cc, invoker); err != nil {
		t.Fatalf("interceptor: %v", err)
	}

	if !sawEdgeDuringCall {
		t.Fatal("expected a waits-on edge to exist for the duration of the call")
	}
	if len(db.edgesDn) != 1 {
		t.Fatalf("expected the waits-on edge to be removed after the call, got %d removals", len(db.edgesDn))
	}
	if len(db.removed) != 2 {
		t.Fatalf("expected request and response entities both removed, got %d", len(db.removed))
	}
}

func TestUnaryClientInterceptor_NoWaiterNoEdge(t *testing.T) {
	db := &fakeDB{}
	cc, err := grpc.NewClient("passthrough:///test", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer cc.Close()

	interceptor := UnaryClientInterceptor(db, "peer")
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return errors.New("boom")
	}

	if err := interceptor(context.Background(), "/svc/Method", nil, nil, cc, invoker); err == nil {
		t.Fatal("expected invoker error to propagate")
	}
	if len(db.edgesUp) != 0 {
		t.Fatalf("expected no waits-on edge without WithWaiter, got %d", len(db.edgesUp))
	}
}

func TestUnaryServerInterceptor_TagsContextWithRequestEntity(t *testing.T) {
	db := &fakeDB{}
	interceptor := UnaryServerInterceptor(db, "myproc")

	var seenWaiter id.EntityId
	handler := func(ctx context.Context, req any) (any, error) {
		w, ok := causal.WaiterFromContext(ctx)
		if !ok {
			t.Fatal("expected handler context to carry a waiter")
		}
		seenWaiter = w
		return nil, nil
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}
	if _, err := interceptor(context.Background(), nil, info, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}

	if len(db.upserted) != 1 {
		t.Fatalf("expected one Request entity upserted, got %d", len(db.upserted))
	}
	if db.upserted[0].ID != seenWaiter {
		t.Fatalf("handler's waiter entity id should match the upserted request entity")
	}
	if len(db.removed) != 1 || db.removed[0] != seenWaiter {
		t.Fatal("expected the request entity removed after the handler returns")
	}
}
