package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("mem")
	if !strings.HasPrefix(id, "mem_") || len(id) != len("mem_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if bare := NewID(""); len(bare) != 32 || strings.Contains(bare, "_") {
		t.Fatalf("unexpected bare id %q", bare)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewID("p")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
