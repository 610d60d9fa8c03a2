package routing

import (
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// DefaultVirtualNodes is the number of ring points each instance occupies.
const DefaultVirtualNodes = 64

type ringPoint struct {
	hash     uint32
	instance uint32
}

// ring is an immutable sorted set of points plus its members.
type ring struct {
	members []member
	points  []ringPoint
}

func (r *ring) instances() []member { return r.members }

// lookup returns the owner of the first point at or after h, wrapping around.
func (r *ring) lookup(h uint32) uint32 {
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].instance
}

// virtualPoints hashes "<instanceId>:<weight>#<n>" for each virtual node.
func virtualPoints(m member, count int) []ringPoint {
	prefix := strconv.FormatUint(uint64(m.id), 10) + ":" + strconv.Itoa(m.weight) + "#"
	pts := make([]ringPoint, count)
	for i := 0; i < count; i++ {
		pts[i] = ringPoint{
			hash:     murmur3.Sum32([]byte(prefix + strconv.Itoa(i))),
			instance: m.id,
		}
	}
	sortPoints(pts)
	return pts
}

func sortPoints(pts []ringPoint) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].hash != pts[j].hash {
			return pts[i].hash < pts[j].hash
		}
		return pts[i].instance < pts[j].instance
	})
}

// mergePoints merges two sorted point lists.
func mergePoints(a, b []ringPoint) []ringPoint {
	out := make([]ringPoint, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].hash < b[j].hash || (a[i].hash == b[j].hash && a[i].instance <= b[j].instance) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func pointsWithout(pts []ringPoint, id uint32) []ringPoint {
	out := make([]ringPoint, 0, len(pts))
	for _, p := range pts {
		if p.instance != id {
			out = append(out, p)
		}
	}
	return out
}

// ConsistentHash routes identical payloads to the same instance. Adding or
// removing an instance only touches that instance's virtual nodes: the new
// points are merged into the existing sorted ring rather than rebuilding it.
// Calls without a payload pick a random candidate.
type ConsistentHash struct {
	virtualNodes int
	rings        table[*ring]
}

func NewConsistentHash(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHash{virtualNodes: virtualNodes}
}

func (c *ConsistentHash) Name() string { return NameConsistentHash }

func (c *ConsistentHash) Route(serviceID uint32, payload []byte) (uint32, bool) {
	r, ok := c.rings.get(serviceID)
	if !ok || len(r.members) == 0 {
		return 0, false
	}
	if len(payload) == 0 {
		return r.members[rand.IntN(len(r.members))].id, true
	}
	return r.lookup(murmur3.Sum32(payload)), true
}

func (c *ConsistentHash) OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32) {
	m := member{id: instanceID, weight: normalizeWeight(weight)}
	pts := virtualPoints(m, c.virtualNodes)
	c.rings.apply(serviceIDs, func(prev *ring, ok bool) (*ring, bool) {
		if !ok {
			return &ring{members: []member{m}, points: pts}, true
		}
		base := prev.points
		for _, cur := range prev.members {
			if cur.id == m.id {
				if cur.weight == m.weight {
					return prev, true
				}
				base = pointsWithout(base, m.id)
				break
			}
		}
		return &ring{members: withMember(prev.members, m), points: mergePoints(base, pts)}, true
	})
}

func (c *ConsistentHash) OnServiceUnregistered(instanceID uint32, _ int, serviceIDs []uint32) {
	c.rings.apply(serviceIDs, func(prev *ring, ok bool) (*ring, bool) {
		if !ok {
			return nil, false
		}
		ms := withoutMember(prev.members, instanceID)
		if len(ms) == 0 {
			return nil, false
		}
		return &ring{members: ms, points: pointsWithout(prev.points, instanceID)}, true
	})
}

func (c *ConsistentHash) AllInstanceIDs(serviceID uint32) []uint32 {
	return c.rings.instanceIDs(serviceID)
}
