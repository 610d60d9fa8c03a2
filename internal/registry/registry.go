// Package registry owns the instance/service mapping of a broker.
//
// Every mutation runs inside one mutex and publishes a complete new snapshot
// through an atomic pointer; the routing strategy publishes its own candidate
// tables from inside the same section. Readers load the pointer and never
// block, so they observe either the state before a mutation or after it.
// A just-registered service may therefore be invisible to a reader that
// loaded the previous snapshot, and a just-removed instance may still be
// routed to by such a reader.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/routing"
)

// ErrDuplicateConnection is returned by AddInstance when an instance with the
// same id is already connected.
var ErrDuplicateConnection = errors.New("registry: duplicate connection")

// snapshot is immutable once published. Inner maps are shared between
// snapshots and are replaced, never modified, by writers.
type snapshot struct {
	services  map[uint32]ServiceLocator
	providers map[uint32]map[uint32]int // service id -> instance id -> weight
	edges     map[uint32]map[uint32]int // instance id -> service id -> weight
	instances map[uint32]*Instance
	byUUID    map[string]*Instance
}

func emptySnapshot() *snapshot {
	return &snapshot{
		services:  map[uint32]ServiceLocator{},
		providers: map[uint32]map[uint32]int{},
		edges:     map[uint32]map[uint32]int{},
		instances: map[uint32]*Instance{},
		byUUID:    map[string]*Instance{},
	}
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		services:  copyMap(s.services),
		providers: copyMap(s.providers),
		edges:     copyMap(s.edges),
		instances: copyMap(s.instances),
		byUUID:    copyMap(s.byUUID),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// setEdge records instanceID -> serviceID with weight, copying the two inner
// maps it touches.
func (s *snapshot) setEdge(instanceID, serviceID uint32, weight int) {
	e := copyMap(s.edges[instanceID])
	e[serviceID] = weight
	s.edges[instanceID] = e

	p := copyMap(s.providers[serviceID])
	p[instanceID] = weight
	s.providers[serviceID] = p
}

// dropEdge removes one edge and any index entry left empty.
func (s *snapshot) dropEdge(instanceID, serviceID uint32) {
	if e := s.edges[instanceID]; e != nil {
		e = copyMap(e)
		delete(e, serviceID)
		if len(e) == 0 {
			delete(s.edges, instanceID)
		} else {
			s.edges[instanceID] = e
		}
	}
	if p := s.providers[serviceID]; p != nil {
		p = copyMap(p)
		delete(p, instanceID)
		if len(p) == 0 {
			delete(s.providers, serviceID)
			delete(s.services, serviceID)
		} else {
			s.providers[serviceID] = p
		}
	}
}

// EventKind distinguishes subscription events.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventUnregistered
)

// Event tells a subscriber that an instance started or stopped serving a
// service it subscribed to.
type Event struct {
	Kind       EventKind
	Locator    ServiceLocator
	InstanceID uint32
}

// SubscriberFunc receives events after the mutation is published. It must
// not block.
type SubscriberFunc func(Event)

// Registry is the broker's in-memory service registry.
type Registry struct {
	mu       sync.Mutex
	snap     atomic.Pointer[snapshot]
	strategy routing.Strategy
	metrics  *metrics.RegistryMetrics

	subMu sync.RWMutex
	subs  map[uint32]map[uint32]SubscriberFunc // service id -> subscriber id -> fn
}

// New creates an empty registry that keeps strategy in sync with it.
func New(strategy routing.Strategy) *Registry {
	r := &Registry{
		strategy: strategy,
		subs:     make(map[uint32]map[uint32]SubscriberFunc),
	}
	r.snap.Store(emptySnapshot())
	return r
}

// SetMetrics sets the metrics for the registry.
func (r *Registry) SetMetrics(m *metrics.RegistryMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Strategy returns the routing strategy fed by this registry.
func (r *Registry) Strategy() routing.Strategy {
	return r.strategy
}

// publish stores next and records metrics. Must hold r.mu.
func (r *Registry) publish(op string, next *snapshot) {
	r.snap.Store(next)
	if r.metrics != nil {
		r.metrics.Observe(op, len(next.services), len(next.instances))
	}
}

// AddInstance adds a connected instance. It fails with ErrDuplicateConnection
// before touching any index when the id is taken.
func (r *Registry) AddInstance(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.instances[inst.ID]; ok {
		return ErrDuplicateConnection
	}
	next := cur.clone()
	next.instances[inst.ID] = inst
	next.byUUID[inst.UUID] = inst
	r.publish(metrics.OpAddInstance, next)
	return nil
}

// RemoveInstance drops the instance and all its registrations in one
// mutation and marks it Down unless it already stopped.
func (r *Registry) RemoveInstance(instanceID uint32) (*Instance, bool) {
	r.mu.Lock()
	cur := r.snap.Load()
	inst, ok := cur.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	next := cur.clone()
	removed := r.dropAllEdges(next, instanceID, inst.Weight)
	delete(next.instances, instanceID)
	if next.byUUID[inst.UUID] == inst {
		delete(next.byUUID, inst.UUID)
	}
	r.publish(metrics.OpRemoveInstance, next)
	r.mu.Unlock()

	inst.SetStatus(StatusDown)
	r.notify(EventUnregistered, instanceID, removed)
	return inst, true
}

// dropAllEdges removes every edge of instanceID from next and tells the
// strategy. Must hold r.mu.
func (r *Registry) dropAllEdges(next *snapshot, instanceID uint32, weight int) []ServiceLocator {
	services := next.edges[instanceID]
	if len(services) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(services))
	locs := make([]ServiceLocator, 0, len(services))
	for sid := range services {
		ids = append(ids, sid)
		locs = append(locs, next.services[sid])
	}
	for _, sid := range ids {
		next.dropEdge(instanceID, sid)
	}
	r.strategy.OnServiceUnregistered(instanceID, weight, ids)
	return locs
}

// Register adds instanceID as a provider of every locator. Registering a pair
// twice is a no-op unless the weight changed; the weight given here is the
// one routing uses. Subscribers of newly added services are notified.
func (r *Registry) Register(instanceID uint32, weight int, locators ...ServiceLocator) {
	r.register(nil, instanceID, weight, locators)
}

// RegisterConnected registers inst's services only while inst is still the
// live connection for its id. It reports false, leaving the registry
// untouched, once inst was removed, replaced or stopped, so a late setup or
// control frame cannot resurrect a closed connection's routes.
func (r *Registry) RegisterConnected(inst *Instance, locators ...ServiceLocator) bool {
	return r.register(inst, inst.ID, inst.Weight, locators)
}

func (r *Registry) register(conn *Instance, instanceID uint32, weight int, locators []ServiceLocator) bool {
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	cur := r.snap.Load()
	if conn != nil && (cur.instances[instanceID] != conn || conn.Status().Terminal()) {
		r.mu.Unlock()
		return false
	}
	if len(locators) == 0 {
		r.mu.Unlock()
		return true
	}
	next := cur.clone()

	var changed []uint32
	var added []ServiceLocator
	seen := make(map[uint32]struct{}, len(locators))
	for _, loc := range locators {
		sid := loc.ID()
		if _, dup := seen[sid]; dup {
			continue
		}
		seen[sid] = struct{}{}

		old, exists := cur.edges[instanceID][sid]
		if exists && old == weight {
			continue
		}
		if _, known := next.services[sid]; !known {
			next.services[sid] = loc
		}
		next.setEdge(instanceID, sid, weight)
		changed = append(changed, sid)
		if !exists {
			added = append(added, next.services[sid])
		}
	}

	if len(changed) > 0 {
		r.strategy.OnAppRegistered(instanceID, weight, changed)
		r.publish(metrics.OpRegister, next)
	}
	inst := next.instances[instanceID]
	r.mu.Unlock()

	if inst != nil {
		inst.promote()
	}
	r.notify(EventRegistered, instanceID, added)
	return true
}

// Unregister drops every registration of instanceID. The connection itself
// stays; see RemoveInstance.
func (r *Registry) Unregister(instanceID uint32, weight int) {
	r.mu.Lock()
	cur := r.snap.Load()
	if len(cur.edges[instanceID]) == 0 {
		r.mu.Unlock()
		return
	}
	next := cur.clone()
	removed := r.dropAllEdges(next, instanceID, weight)
	r.publish(metrics.OpUnregister, next)
	r.mu.Unlock()

	r.notify(EventUnregistered, instanceID, removed)
}

// UnregisterService drops one registration.
func (r *Registry) UnregisterService(instanceID uint32, weight int, serviceID uint32) {
	r.mu.Lock()
	cur := r.snap.Load()
	if _, ok := cur.edges[instanceID][serviceID]; !ok {
		r.mu.Unlock()
		return
	}
	loc := cur.services[serviceID]
	next := cur.clone()
	next.dropEdge(instanceID, serviceID)
	r.strategy.OnServiceUnregistered(instanceID, weight, []uint32{serviceID})
	r.publish(metrics.OpUnregister, next)
	r.mu.Unlock()

	r.notify(EventUnregistered, instanceID, []ServiceLocator{loc})
}

// Subscribe calls fn whenever an instance starts or stops serving one of
// serviceIDs. A subscriber id replaces any earlier subscription of the same
// id for the listed services.
func (r *Registry) Subscribe(subscriberID uint32, serviceIDs []uint32, fn SubscriberFunc) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, sid := range serviceIDs {
		m := r.subs[sid]
		if m == nil {
			m = make(map[uint32]SubscriberFunc)
			r.subs[sid] = m
		}
		m[subscriberID] = fn
	}
}

// Unsubscribe removes every subscription of subscriberID.
func (r *Registry) Unsubscribe(subscriberID uint32) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for sid, m := range r.subs {
		delete(m, subscriberID)
		if len(m) == 0 {
			delete(r.subs, sid)
		}
	}
}

func (r *Registry) notify(kind EventKind, instanceID uint32, locs []ServiceLocator) {
	if len(locs) == 0 {
		return
	}
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, loc := range locs {
		for _, fn := range r.subs[loc.ID()] {
			fn(Event{Kind: kind, Locator: loc, InstanceID: instanceID})
		}
	}
}

// Route asks the strategy for a provider of serviceID and returns it if it is
// still connected.
func (r *Registry) Route(serviceID uint32, payload []byte) (*Instance, bool) {
	id, ok := r.strategy.Route(serviceID, payload)
	if !ok {
		return nil, false
	}
	inst, ok := r.snap.Load().instances[id]
	return inst, ok
}

// ServiceLocator returns the locator registered under serviceID.
func (r *Registry) ServiceLocator(serviceID uint32) (ServiceLocator, bool) {
	loc, ok := r.snap.Load().services[serviceID]
	return loc, ok
}

// AllServices returns every service with a provider, sorted by gsv.
func (r *Registry) AllServices() []ServiceLocator {
	s := r.snap.Load()
	out := make([]ServiceLocator, 0, len(s.services))
	for _, loc := range s.services {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GSV() < out[j].GSV() })
	return out
}

// AllInstanceIDs returns the providers of serviceID in ascending order.
func (r *Registry) AllInstanceIDs(serviceID uint32) []uint32 {
	p := r.snap.Load().providers[serviceID]
	out := make([]uint32, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CountInstanceIDs returns the number of providers of serviceID.
func (r *Registry) CountInstanceIDs(serviceID uint32) int {
	return len(r.snap.Load().providers[serviceID])
}

// ContainsInstanceID reports whether instanceID provides any service.
func (r *Registry) ContainsInstanceID(instanceID uint32) bool {
	return len(r.snap.Load().edges[instanceID]) > 0
}

// ContainsServiceID reports whether serviceID has any provider.
func (r *Registry) ContainsServiceID(serviceID uint32) bool {
	_, ok := r.snap.Load().services[serviceID]
	return ok
}

// HasEdge reports whether instanceID provides serviceID.
func (r *Registry) HasEdge(instanceID, serviceID uint32) bool {
	_, ok := r.snap.Load().edges[instanceID][serviceID]
	return ok
}

// ServicesOf returns the services instanceID provides, sorted by gsv.
func (r *Registry) ServicesOf(instanceID uint32) []ServiceLocator {
	s := r.snap.Load()
	out := make([]ServiceLocator, 0, len(s.edges[instanceID]))
	for sid := range s.edges[instanceID] {
		out = append(out, s.services[sid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GSV() < out[j].GSV() })
	return out
}

// Instance returns the connected instance with id.
func (r *Registry) Instance(id uint32) (*Instance, bool) {
	inst, ok := r.snap.Load().instances[id]
	return inst, ok
}

// InstanceByUUID returns the connected instance with uuid.
func (r *Registry) InstanceByUUID(uuid string) (*Instance, bool) {
	inst, ok := r.snap.Load().byUUID[uuid]
	return inst, ok
}

// Instances returns every connected instance ordered by id.
func (r *Registry) Instances() []*Instance {
	s := r.snap.Load()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InstancesByName returns the connected instances of one application.
func (r *Registry) InstancesByName(name string) []*Instance {
	var out []*Instance
	for _, inst := range r.Instances() {
		if inst.Name == name {
			out = append(out, inst)
		}
	}
	return out
}

// Candidates returns the connected providers of serviceID ordered by id.
func (r *Registry) Candidates(serviceID uint32) []*Instance {
	s := r.snap.Load()
	p := s.providers[serviceID]
	out := make([]*Instance, 0, len(p))
	for id := range p {
		if inst, ok := s.instances[id]; ok {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServiceCounts maps each service's gsv to its provider count.
func (r *Registry) ServiceCounts() map[string]int {
	s := r.snap.Load()
	out := make(map[string]int, len(s.services))
	for sid, loc := range s.services {
		out[loc.GSV()] = len(s.providers[sid])
	}
	return out
}
