package causal

import (
	"context"
	"testing"

	"github.com/riglabs/peeps/id"
)

func TestPushTargetCurrentPop(t *testing.T) {
	if _, ok := CurrentTarget(); ok {
		t.Fatal("expected no target before push")
	}

	pop := PushTarget("ent-a")
	got, ok := CurrentTarget()
	if !ok || got != "ent-a" {
		t.Fatalf("expected ent-a, got %q ok=%v", got, ok)
	}

	pop()
	if _, ok := CurrentTarget(); ok {
		t.Fatal("expected no target after pop")
	}
}

func TestPushTargetNestsLIFO(t *testing.T) {
	popA := PushTarget("ent-a")
	popB := PushTarget("ent-b")

	if got, _ := CurrentTarget(); got != "ent-b" {
		t.Fatalf("expected inner target ent-b, got %q", got)
	}
	popB()
	if got, _ := CurrentTarget(); got != "ent-a" {
		t.Fatalf("expected outer target ent-a after inner pop, got %q", got)
	}
	popA()
}

func TestTargetNotInheritedAcrossGoroutines(t *testing.T) {
	pop := PushTarget("ent-a")
	defer pop()

	result := make(chan bool)
	go func() {
		_, ok := CurrentTarget()
		result <- ok
	}()
	if <-result {
		t.Fatal("spawned goroutine must not inherit the causal-target stack")
	}
}

func TestResolveWaiterPrefersContext(t *testing.T) {
	pop := PushTarget("ent-ambient")
	defer pop()

	ctx := WithWaiter(context.Background(), id.EntityId("ent-ctx"))
	got, ok := ResolveWaiter(ctx)
	if !ok || got != "ent-ctx" {
		t.Fatalf("expected context waiter to win, got %q ok=%v", got, ok)
	}

	got, ok = ResolveWaiter(context.Background())
	if !ok || got != "ent-ambient" {
		t.Fatalf("expected fallback to goroutine stack, got %q ok=%v", got, ok)
	}
}
