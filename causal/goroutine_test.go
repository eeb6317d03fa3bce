package causal

import (
	"sync"
	"testing"

	"github.com/riglabs/peeps/id"
)

func TestGoroutineStackPushCurrentPop(t *testing.T) {
	s := NewGoroutineStack()
	if _, ok := s.Current(); ok {
		t.Fatal("expected empty stack to report no current scope")
	}

	sid := id.NewScopeId()
	pop := s.Push(sid)

	got, ok := s.Current()
	if !ok || got != sid {
		t.Fatalf("expected current scope %v, got %v (ok=%v)", sid, got, ok)
	}

	pop()
	if _, ok := s.Current(); ok {
		t.Fatal("expected stack to be empty after pop")
	}
}

func TestGoroutineStackIsPerGoroutine(t *testing.T) {
	s := NewGoroutineStack()
	sidA := id.NewScopeId()
	pop := s.Push(sidA)
	defer pop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := s.Current(); ok {
			t.Error("expected a different goroutine to see no current scope")
		}
	}()
	wg.Wait()
}

func TestGoroutineStackNesting(t *testing.T) {
	s := NewGoroutineStack()
	outer := id.NewScopeId()
	inner := id.NewScopeId()

	popOuter := s.Push(outer)
	popInner := s.Push(inner)

	got, _ := s.Current()
	if got != inner {
		t.Fatalf("expected innermost scope %v, got %v", inner, got)
	}

	popInner()
	got, _ = s.Current()
	if got != outer {
		t.Fatalf("expected outer scope %v after popping inner, got %v", outer, got)
	}
	popOuter()
}
