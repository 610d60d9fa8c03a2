package routing

import (
	"fmt"
	"testing"
)

var upstreams = []string{
	"broker-a.mesh.internal:9999",
	"broker-b.mesh.internal:9999",
	"broker-c.mesh.internal:9999",
}

func TestRendezvousHash_EmptyNodes(t *testing.T) {
	if got := RendezvousHash(nil, "svc"); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
	if got := RendezvousHashUint32([]string{}, 7); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestRendezvousHash_SingleNode(t *testing.T) {
	for _, key := range []string{"a", "b", "c"} {
		if got := RendezvousHash(upstreams[:1], key); got != upstreams[0] {
			t.Errorf("expected %s, got %s", upstreams[0], got)
		}
	}
}

func TestRendezvousHash_OrderIndependent(t *testing.T) {
	reversed := []string{upstreams[2], upstreams[1], upstreams[0]}
	for i := uint32(0); i < 200; i++ {
		if RendezvousHashUint32(upstreams, i) != RendezvousHashUint32(reversed, i) {
			t.Fatalf("order affected result for key %d", i)
		}
	}
}

func TestRendezvousHash_Distribution(t *testing.T) {
	counts := make(map[string]int)
	numKeys := 9000
	for i := 0; i < numKeys; i++ {
		counts[RendezvousHash(upstreams, fmt.Sprintf("com.example.Service%d", i))]++
	}

	// with 3 nodes perfect is 33%, 20% is a reasonable lower bound
	minExpected := numKeys / 5
	for _, n := range upstreams {
		if counts[n] < minExpected {
			t.Errorf("node %s has too few keys: %d (expected at least %d)", n, counts[n], minExpected)
		}
	}
}

func TestRendezvousHash_MinimalDisruption(t *testing.T) {
	before := make(map[string]string)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("svc-%d", i)
		before[key] = RendezvousHash(upstreams, key)
	}

	reduced := []string{upstreams[0], upstreams[2]}
	changed := 0
	for key, old := range before {
		now := RendezvousHash(reduced, key)
		if old != upstreams[1] && old != now {
			t.Errorf("key %s on %s should not move (got %s)", key, old, now)
		}
		if old != now {
			changed++
		}
	}
	if changed == 0 {
		t.Error("expected keys owned by the removed node to move")
	}
}

func TestAffinityMapper(t *testing.T) {
	m := NewAffinityMapper(upstreams)

	first, ok := m.Select(42)
	if !ok {
		t.Fatal("expected a node")
	}
	again, _ := m.Select(42)
	if first != again {
		t.Errorf("non-deterministic: %s vs %s", first, again)
	}
	if first != RendezvousHashUint32(upstreams, 42) {
		t.Errorf("cached result %s disagrees with direct hash", first)
	}

	m.SetNodes([]string{"only:1"})
	if got, _ := m.Select(42); got != "only:1" {
		t.Errorf("expected cache to be cleared on SetNodes, got %s", got)
	}
	if len(m.Nodes()) != 1 {
		t.Errorf("expected 1 node, got %v", m.Nodes())
	}

	m.SetNodes(nil)
	if _, ok := m.Select(42); ok {
		t.Error("expected no node for an empty set")
	}
}
