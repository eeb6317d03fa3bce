package id_test

import (
	"strings"
	"testing"

	"github.com/riglabs/peeps/id"
)

func TestNewIsUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := id.New("ent")
		if !strings.HasPrefix(v, "ent-") {
			t.Fatalf("id %q missing prefix", v)
		}
		if seen[v] {
			t.Fatalf("duplicate id %q", v)
		}
		seen[v] = true
	}
}

func TestTypedConstructors(t *testing.T) {
	if !strings.HasPrefix(string(id.NewEntityId()), "ent-") {
		t.Error("NewEntityId missing ent- prefix")
	}
	if !strings.HasPrefix(string(id.NewScopeId()), "scope-") {
		t.Error("NewScopeId missing scope- prefix")
	}
	if !strings.HasPrefix(string(id.NewBacktraceId()), "bt-") {
		t.Error("NewBacktraceId missing bt- prefix")
	}
	if !strings.HasPrefix(string(id.NewStreamId()), "stream-") {
		t.Error("NewStreamId missing stream- prefix")
	}
	if !strings.HasPrefix(string(id.NewCutId()), "cut-") {
		t.Error("NewCutId missing cut- prefix")
	}
}
