package routing

import (
	"sync"
	"sync/atomic"
)

type member struct {
	id     uint32
	weight int
}

func normalizeWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}

// withMember returns a copy of ms containing m. An existing entry for m.id
// keeps its position and takes the new weight.
func withMember(ms []member, m member) []member {
	out := make([]member, 0, len(ms)+1)
	replaced := false
	for _, cur := range ms {
		if cur.id == m.id {
			out = append(out, m)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, m)
	}
	return out
}

// withoutMember returns a copy of ms lacking id.
func withoutMember(ms []member, id uint32) []member {
	out := make([]member, 0, len(ms))
	for _, cur := range ms {
		if cur.id != id {
			out = append(out, cur)
		}
	}
	return out
}

type group interface {
	instances() []member
}

// table is a copy-on-write map from service id to an immutable group.
// Writers serialize on mu and publish a whole new map; readers only load.
type table[G group] struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[uint32]G]
}

func (t *table[G]) get(serviceID uint32) (G, bool) {
	m := t.snap.Load()
	if m == nil {
		var zero G
		return zero, false
	}
	g, ok := (*m)[serviceID]
	return g, ok
}

// apply replaces the groups of serviceIDs with the result of fn and publishes
// the new map. fn returning keep=false drops the service.
func (t *table[G]) apply(serviceIDs []uint32, fn func(prev G, exists bool) (next G, keep bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cur map[uint32]G
	if p := t.snap.Load(); p != nil {
		cur = *p
	}
	next := make(map[uint32]G, len(cur)+len(serviceIDs))
	for k, v := range cur {
		next[k] = v
	}
	for _, sid := range serviceIDs {
		prev, ok := next[sid]
		g, keep := fn(prev, ok)
		if keep {
			next[sid] = g
		} else {
			delete(next, sid)
		}
	}
	t.snap.Store(&next)
}

func (t *table[G]) instanceIDs(serviceID uint32) []uint32 {
	g, ok := t.get(serviceID)
	if !ok {
		return nil
	}
	ms := g.instances()
	out := make([]uint32, len(ms))
	for i, m := range ms {
		out[i] = m.id
	}
	return out
}

type plainGroup []member

func (g plainGroup) instances() []member { return g }

// memberTable is the plain candidate list shared by strategies that need no
// derived per-service state.
type memberTable struct {
	table[plainGroup]
}

func (t *memberTable) add(instanceID uint32, weight int, serviceIDs []uint32) {
	m := member{id: instanceID, weight: normalizeWeight(weight)}
	t.apply(serviceIDs, func(prev plainGroup, _ bool) (plainGroup, bool) {
		return withMember(prev, m), true
	})
}

func (t *memberTable) remove(instanceID uint32, serviceIDs []uint32) {
	t.apply(serviceIDs, func(prev plainGroup, ok bool) (plainGroup, bool) {
		if !ok {
			return nil, false
		}
		next := withoutMember(prev, instanceID)
		return next, len(next) > 0
	})
}
