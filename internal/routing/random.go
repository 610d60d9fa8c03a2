package routing

import (
	"math/rand/v2"
	"sort"
)

// Random picks uniformly among a service's candidates.
type Random struct {
	members memberTable
}

func NewRandom() *Random { return &Random{} }

func (r *Random) Name() string { return NameRandom }

func (r *Random) Route(serviceID uint32, _ []byte) (uint32, bool) {
	g, ok := r.members.get(serviceID)
	if !ok || len(g) == 0 {
		return 0, false
	}
	return g[rand.IntN(len(g))].id, true
}

func (r *Random) OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32) {
	r.members.add(instanceID, weight, serviceIDs)
}

func (r *Random) OnServiceUnregistered(instanceID uint32, _ int, serviceIDs []uint32) {
	r.members.remove(instanceID, serviceIDs)
}

func (r *Random) AllInstanceIDs(serviceID uint32) []uint32 {
	return r.members.instanceIDs(serviceID)
}

// weightedGroup holds candidates with their running weight totals:
// cumulative[i] is the sum of weights 0..i.
type weightedGroup struct {
	members    []member
	cumulative []int
}

func newWeightedGroup(ms []member) *weightedGroup {
	g := &weightedGroup{members: ms, cumulative: make([]int, len(ms))}
	total := 0
	for i, m := range ms {
		total += m.weight
		g.cumulative[i] = total
	}
	return g
}

func (g *weightedGroup) instances() []member { return g.members }

func (g *weightedGroup) total() int {
	if len(g.cumulative) == 0 {
		return 0
	}
	return g.cumulative[len(g.cumulative)-1]
}

// pick maps a draw in [0, total) to the candidate whose weight range holds it.
func (g *weightedGroup) pick(draw int) member {
	i := sort.SearchInts(g.cumulative, draw+1)
	return g.members[i]
}

// WeightedRandom picks candidates with probability proportional to the
// weight they registered with.
type WeightedRandom struct {
	groups table[*weightedGroup]
}

func NewWeightedRandom() *WeightedRandom { return &WeightedRandom{} }

func (w *WeightedRandom) Name() string { return NameWeightedRandom }

func (w *WeightedRandom) Route(serviceID uint32, _ []byte) (uint32, bool) {
	g, ok := w.groups.get(serviceID)
	if !ok || len(g.members) == 0 {
		return 0, false
	}
	return g.pick(rand.IntN(g.total())).id, true
}

func (w *WeightedRandom) OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32) {
	m := member{id: instanceID, weight: normalizeWeight(weight)}
	w.groups.apply(serviceIDs, func(prev *weightedGroup, ok bool) (*weightedGroup, bool) {
		var ms []member
		if ok {
			ms = prev.members
		}
		return newWeightedGroup(withMember(ms, m)), true
	})
}

func (w *WeightedRandom) OnServiceUnregistered(instanceID uint32, _ int, serviceIDs []uint32) {
	w.groups.apply(serviceIDs, func(prev *weightedGroup, ok bool) (*weightedGroup, bool) {
		if !ok {
			return nil, false
		}
		ms := withoutMember(prev.members, instanceID)
		if len(ms) == 0 {
			return nil, false
		}
		return newWeightedGroup(ms), true
	})
}

func (w *WeightedRandom) AllInstanceIDs(serviceID uint32) []uint32 {
	return w.groups.instanceIDs(serviceID)
}
