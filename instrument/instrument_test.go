package instrument

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/riglabs/peeps/id"
	"github.com/riglabs/peeps/ptime"
	"github.com/riglabs/peeps/rtdb"
)

func newTask(t *testing.T, db *rtdb.DB, name string) id.EntityId {
	t.Helper()
	eid := id.NewEntityId()
	db.UpsertEntity(rtdb.Entity{ID: eid, Name: name, Body: rtdb.FutureBody{}, Birth: ptime.Now()})
	return eid
}

func hasEdge(db *rtdb.DB, src, dst id.EntityId, kind rtdb.EdgeKind) bool {
	for _, e := range db.Edges() {
		if e.Src == src && e.Dst == dst && e.Kind == kind {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestConstructorsCaptureCreationSite(t *testing.T) {
	db := rtdb.New()

	m := NewMutex(db, "m")
	s := NewSemaphore(db, "s", 1)
	tx, _ := NewMpsc[int](db, "ch", 1)

	for _, eid := range []id.EntityId{m.ID(), s.ID(), tx.ID()} {
		ent, ok := db.Entity(eid)
		if !ok {
			t.Fatalf("entity %s missing", eid)
		}
		if !strings.Contains(ent.Source, "instrument_test.go:") {
			t.Fatalf("expected Source to name the constructor call site, got %q", ent.Source)
		}
		if ent.Backtrace == "" {
			t.Fatalf("expected entity %s to carry a backtrace id", eid)
		}
		if site := db.Backtraces()[ent.Backtrace]; site != ent.Source {
			t.Fatalf("backtrace table says %q, entity says %q", site, ent.Source)
		}
	}
}

func TestContendedEdgeCarriesBacktrace(t *testing.T) {
	db := rtdb.New()
	m := NewMutex(db, "m")
	a := newTask(t, db, "a")
	b := newTask(t, db, "b")

	if err := m.Lock(context.Background(), a); err != nil {
		t.Fatalf("Lock(a): %v", err)
	}
	go func() { _ = m.Lock(context.Background(), b) }()
	waitFor(t, "b's waits-on edge", func() bool { return hasEdge(db, b, m.ID(), rtdb.EdgeWaitingOn) })

	for _, e := range db.Edges() {
		if e.Src == b && e.Dst == m.ID() && e.Kind == rtdb.EdgeWaitingOn && e.Backtrace == "" {
			t.Fatal("expected the waits-on edge to carry the mutex's creation backtrace")
		}
	}
	m.Unlock(a)
}

func TestMutexUncontendedRecordsNoWait(t *testing.T) {
	db := rtdb.New()
	m := NewMutex(db, "m")
	holder := newTask(t, db, "holder")

	if err := m.Lock(context.Background(), holder); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if hasEdge(db, holder, m.ID(), rtdb.EdgeWaitingOn) {
		t.Fatal("uncontended lock must not record a waits-on edge")
	}
	if !hasEdge(db, holder, m.ID(), rtdb.EdgeHolds) {
		t.Fatal("expected holds edge while locked")
	}

	ent, _ := db.Entity(m.ID())
	lb := ent.Body.(rtdb.LockBody)
	if !lb.Held || lb.HolderID != string(holder) {
		t.Fatalf("unexpected lock body: %+v", lb)
	}

	m.Unlock(holder)
	if hasEdge(db, holder, m.ID(), rtdb.EdgeHolds) {
		t.Fatal("expected holds edge removed on unlock")
	}
}

func TestMutexContentionRecordsWaitThenHolds(t *testing.T) {
	db := rtdb.New()
	m := NewMutex(db, "m")
	a := newTask(t, db, "a")
	b := newTask(t, db, "b")

	if err := m.Lock(context.Background(), a); err != nil {
		t.Fatalf("Lock(a): %v", err)
	}

	got := make(chan error, 1)
	go func() { got <- m.Lock(context.Background(), b) }()

	waitFor(t, "b's waits-on edge", func() bool { return hasEdge(db, b, m.ID(), rtdb.EdgeWaitingOn) })

	m.Unlock(a)
	if err := <-got; err != nil {
		t.Fatalf("Lock(b): %v", err)
	}
	if hasEdge(db, b, m.ID(), rtdb.EdgeWaitingOn) {
		t.Fatal("expected b's waits-on edge cleared once it acquired")
	}
	if !hasEdge(db, b, m.ID(), rtdb.EdgeHolds) {
		t.Fatal("expected b to hold the lock now")
	}
	m.Unlock(b)
}

func TestMutexLockCancellationCleansUpEdge(t *testing.T) {
	db := rtdb.New()
	m := NewMutex(db, "m")
	a := newTask(t, db, "a")
	b := newTask(t, db, "b")

	if err := m.Lock(context.Background(), a); err != nil {
		t.Fatalf("Lock(a): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx, b); err == nil {
		t.Fatal("expected cancellation error")
	}
	if hasEdge(db, b, m.ID(), rtdb.EdgeWaitingOn) {
		t.Fatal("expected waits-on edge removed after cancelled acquire")
	}
	m.Unlock(a)
}

func TestSemaphoreTracksHandedOutPermits(t *testing.T) {
	db := rtdb.New()
	s := NewSemaphore(db, "s", 2)
	a := newTask(t, db, "a")
	b := newTask(t, db, "b")

	if err := s.Acquire(context.Background(), a); err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	if err := s.Acquire(context.Background(), b); err != nil {
		t.Fatalf("Acquire(b): %v", err)
	}

	ent, _ := db.Entity(s.ID())
	sb := ent.Body.(rtdb.SemaphoreBody)
	if sb.HandedOutPermits != 2 || sb.MaxPermits != 2 {
		t.Fatalf("unexpected semaphore body: %+v", sb)
	}

	c := newTask(t, db, "c")
	got := make(chan error, 1)
	go func() { got <- s.Acquire(context.Background(), c) }()
	waitFor(t, "c's waits-on edge", func() bool { return hasEdge(db, c, s.ID(), rtdb.EdgeWaitingOn) })

	s.Release(a)
	if err := <-got; err != nil {
		t.Fatalf("Acquire(c): %v", err)
	}
	s.Release(b)
	s.Release(c)

	ent, _ = db.Entity(s.ID())
	if ent.Body.(rtdb.SemaphoreBody).HandedOutPermits != 0 {
		t.Fatal("expected all permits returned")
	}
}

func TestMpscSendBlocksWhenFull(t *testing.T) {
	db := rtdb.New()
	tx, rx := NewMpsc[int](db, "ch", 1)
	sender := newTask(t, db, "sender")
	receiver := newTask(t, db, "receiver")

	if err := tx.Send(context.Background(), sender, 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan error, 1)
	go func() { got <- tx.Send(context.Background(), sender, 2) }()
	waitFor(t, "sender's waits-on edge", func() bool { return hasEdge(db, sender, rx.ID(), rtdb.EdgeWaitingOn) })

	if v, err := rx.Recv(context.Background(), receiver); err != nil || v != 1 {
		t.Fatalf("Recv: v=%d err=%v", v, err)
	}
	if err := <-got; err != nil {
		t.Fatalf("blocked Send: %v", err)
	}
	if hasEdge(db, sender, rx.ID(), rtdb.EdgeWaitingOn) {
		t.Fatal("expected sender's waits-on edge cleared after send completed")
	}
}

func TestMpscRecvBlocksWhenEmptyAndObservesClose(t *testing.T) {
	db := rtdb.New()
	tx, rx := NewMpsc[int](db, "ch", 1)
	receiver := newTask(t, db, "receiver")

	type result struct {
		v   int
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := rx.Recv(context.Background(), receiver)
		got <- result{v, err}
	}()
	waitFor(t, "receiver's waits-on edge", func() bool { return hasEdge(db, receiver, tx.ID(), rtdb.EdgeWaitingOn) })

	tx.Close()
	if r := <-got; r.err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got v=%d err=%v", r.v, r.err)
	}
}

func TestOnceCellRunsInitOnce(t *testing.T) {
	db := rtdb.New()
	c := NewOnceCell[int](db, "cfg")
	a := newTask(t, db, "a")
	b := newTask(t, db, "b")

	calls := 0
	init := func() (int, error) { calls++; return 7, nil }

	if v, err := c.Do(context.Background(), a, init); err != nil || v != 7 {
		t.Fatalf("Do(a): v=%d err=%v", v, err)
	}
	if v, err := c.Do(context.Background(), b, init); err != nil || v != 7 {
		t.Fatalf("Do(b): v=%d err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one init call, got %d", calls)
	}

	ent, _ := db.Entity(c.ID())
	if !ent.Body.(rtdb.OnceCellBody).Initialized {
		t.Fatal("expected cell body marked initialized")
	}
}

func TestNotifyPermitWakesWaiter(t *testing.T) {
	db := rtdb.New()
	n := NewNotify(db, "n")
	w := newTask(t, db, "w")

	got := make(chan error, 1)
	go func() { got <- n.Wait(context.Background(), w) }()
	waitFor(t, "waiter's waits-on edge", func() bool { return hasEdge(db, w, n.ID(), rtdb.EdgeWaitingOn) })

	n.Notify()
	if err := <-got; err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if hasEdge(db, w, n.ID(), rtdb.EdgeWaitingOn) {
		t.Fatal("expected waits-on edge cleared after wakeup")
	}
}
