package routing

import (
	"sync"
	"sync/atomic"
)

type rrGroup struct {
	members []member
	next    *atomic.Uint64
}

func (g *rrGroup) instances() []member { return g.members }

// RoundRobin rotates through a service's candidates. The counter survives
// membership changes so a new snapshot does not restart the rotation.
type RoundRobin struct {
	groups table[*rrGroup]
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string { return NameRoundRobin }

func (r *RoundRobin) Route(serviceID uint32, _ []byte) (uint32, bool) {
	g, ok := r.groups.get(serviceID)
	if !ok || len(g.members) == 0 {
		return 0, false
	}
	i := g.next.Add(1) - 1
	return g.members[i%uint64(len(g.members))].id, true
}

func (r *RoundRobin) OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32) {
	m := member{id: instanceID, weight: normalizeWeight(weight)}
	r.groups.apply(serviceIDs, func(prev *rrGroup, ok bool) (*rrGroup, bool) {
		if !ok {
			return &rrGroup{members: []member{m}, next: new(atomic.Uint64)}, true
		}
		return &rrGroup{members: withMember(prev.members, m), next: prev.next}, true
	})
}

func (r *RoundRobin) OnServiceUnregistered(instanceID uint32, _ int, serviceIDs []uint32) {
	r.groups.apply(serviceIDs, func(prev *rrGroup, ok bool) (*rrGroup, bool) {
		if !ok {
			return nil, false
		}
		ms := withoutMember(prev.members, instanceID)
		return &rrGroup{members: ms, next: prev.next}, len(ms) > 0
	})
}

func (r *RoundRobin) AllInstanceIDs(serviceID uint32) []uint32 {
	return r.groups.instanceIDs(serviceID)
}

// smoothGroup is the state of smooth weighted round-robin for one service.
// current changes on every pick, so picks on one service serialize on mu.
type smoothGroup struct {
	members []member
	total   int

	mu      sync.Mutex
	current []int
}

func newSmoothGroup(ms []member, prev *smoothGroup) *smoothGroup {
	g := &smoothGroup{members: ms, current: make([]int, len(ms))}
	for _, m := range ms {
		g.total += m.weight
	}
	if prev != nil {
		// carry current weights of surviving members
		prev.mu.Lock()
		old := make(map[uint32]int, len(prev.members))
		for i, m := range prev.members {
			old[m.id] = prev.current[i]
		}
		prev.mu.Unlock()
		for i, m := range ms {
			g.current[i] = old[m.id]
		}
	}
	return g
}

func (g *smoothGroup) instances() []member { return g.members }

func (g *smoothGroup) pick() member {
	g.mu.Lock()
	defer g.mu.Unlock()

	best := 0
	for i, m := range g.members {
		g.current[i] += m.weight
		if g.current[i] > g.current[best] {
			best = i
		}
	}
	g.current[best] -= g.total
	return g.members[best]
}

// WeightedRoundRobin is smooth weighted round-robin: every round each
// candidate gains its weight, the largest wins and pays back the round total,
// which interleaves heavy candidates instead of bursting them.
type WeightedRoundRobin struct {
	groups table[*smoothGroup]
}

func NewWeightedRoundRobin() *WeightedRoundRobin { return &WeightedRoundRobin{} }

func (w *WeightedRoundRobin) Name() string { return NameWeightedRoundRobin }

func (w *WeightedRoundRobin) Route(serviceID uint32, _ []byte) (uint32, bool) {
	g, ok := w.groups.get(serviceID)
	if !ok || len(g.members) == 0 {
		return 0, false
	}
	return g.pick().id, true
}

func (w *WeightedRoundRobin) OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32) {
	m := member{id: instanceID, weight: normalizeWeight(weight)}
	w.groups.apply(serviceIDs, func(prev *smoothGroup, ok bool) (*smoothGroup, bool) {
		if !ok {
			return newSmoothGroup([]member{m}, nil), true
		}
		return newSmoothGroup(withMember(prev.members, m), prev), true
	})
}

func (w *WeightedRoundRobin) OnServiceUnregistered(instanceID uint32, _ int, serviceIDs []uint32) {
	w.groups.apply(serviceIDs, func(prev *smoothGroup, ok bool) (*smoothGroup, bool) {
		if !ok {
			return nil, false
		}
		ms := withoutMember(prev.members, instanceID)
		if len(ms) == 0 {
			return nil, false
		}
		return newSmoothGroup(ms, prev), true
	})
}

func (w *WeightedRoundRobin) AllInstanceIDs(serviceID uint32) []uint32 {
	return w.groups.instanceIDs(serviceID)
}
