package routing

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

// AffinityMapper maps service ids onto a changing set of nodes (upstream
// broker addresses) with rendezvous hashing. Results are cached until the
// node set changes.
type AffinityMapper struct {
	mu    sync.RWMutex
	nodes []string
	cache map[uint32]string
}

// NewAffinityMapper creates a mapper over the given nodes.
func NewAffinityMapper(nodes []string) *AffinityMapper {
	m := &AffinityMapper{}
	m.SetNodes(nodes)
	return m
}

// SetNodes replaces the node set and clears the cache.
func (m *AffinityMapper) SetNodes(nodes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append([]string(nil), nodes...)
	m.cache = make(map[uint32]string)
}

// Nodes returns a copy of the current node set.
func (m *AffinityMapper) Nodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.nodes...)
}

// Select returns the node owning serviceID. ok is false when there are no nodes.
func (m *AffinityMapper) Select(serviceID uint32) (string, bool) {
	m.mu.RLock()
	if node, ok := m.cache[serviceID]; ok {
		m.mu.RUnlock()
		return node, true
	}
	nodes := m.nodes
	m.mu.RUnlock()

	if len(nodes) == 0 {
		return "", false
	}
	node := RendezvousHashUint32(nodes, serviceID)

	m.mu.Lock()
	m.cache[serviceID] = node
	m.mu.Unlock()
	return node, true
}

// RendezvousHash implements highest random weight (HRW) hashing: it picks
// the node with the highest hash(node, key). Adding or removing a node only
// moves the keys that node wins or owned.
// Returns "" for an empty node list.
func RendezvousHash(nodes []string, key string) string {
	if len(nodes) == 0 {
		return ""
	}
	if len(nodes) == 1 {
		return nodes[0]
	}

	var maxScore uint64
	selected := ""
	for _, node := range nodes {
		score := computeScore(node, []byte(key))
		if selected == "" || score > maxScore || (score == maxScore && node < selected) {
			maxScore = score
			selected = node
		}
	}
	return selected
}

// RendezvousHashUint32 is RendezvousHash for numeric keys such as service ids.
func RendezvousHashUint32(nodes []string, key uint32) string {
	if len(nodes) == 0 {
		return ""
	}
	if len(nodes) == 1 {
		return nodes[0]
	}

	var keyBytes [4]byte
	binary.BigEndian.PutUint32(keyBytes[:], key)

	var maxScore uint64
	selected := ""
	for _, node := range nodes {
		score := computeScore(node, keyBytes[:])
		if selected == "" || score > maxScore || (score == maxScore && node < selected) {
			maxScore = score
			selected = node
		}
	}
	return selected
}

// computeScore uses FNV-1a over node, a separator and key.
func computeScore(node string, key []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(node))
	h.Write([]byte{0}) // separator
	h.Write(key)
	return h.Sum64()
}
