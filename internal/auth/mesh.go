package auth

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// DefaultRelationshipCacheSize bounds the cache of derived caller/callee
// relationships.
const DefaultRelationshipCacheSize = 10000

// Grant allows Requester to call Responder. A zero ServiceID allows every
// service of Responder.
type Grant struct {
	Requester string
	Responder string
	ServiceID uint32
}

// MeshConfig configures the mesh authorizer.
type MeshConfig struct {
	// Enabled controls whether mesh authorization is active.
	// When false, all calls are allowed.
	Enabled   bool
	CacheSize int
	Grants    []Grant
}

// MeshAuthorizer decides whether a requester may call a responder's service.
// Explicit grants are checked first, then cached relationships, then the
// rule that both principals share an organization and a service account.
type MeshAuthorizer struct {
	enabled bool
	logger  *logging.Logger

	mu     sync.Mutex
	grants atomic.Pointer[map[relation]struct{}]

	relationships *lru.Cache[relation, struct{}]
}

// relation is a requester/responder pair, narrowed to one service when
// serviceID is non-zero. Subjects are compared whole, never hashed.
type relation struct {
	requester string
	responder string
	serviceID uint32
}

// NewMeshAuthorizer creates a mesh authorizer.
func NewMeshAuthorizer(cfg MeshConfig, logger *logging.Logger) (*MeshAuthorizer, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultRelationshipCacheSize
	}
	cache, err := lru.New[relation, struct{}](size)
	if err != nil {
		return nil, err
	}

	m := &MeshAuthorizer{
		enabled:       cfg.Enabled,
		logger:        logger,
		relationships: cache,
	}
	empty := make(map[relation]struct{})
	m.grants.Store(&empty)
	for _, g := range cfg.Grants {
		m.Grant(g)
	}
	return m, nil
}

// IsEnabled returns true if mesh authorization is active.
func (m *MeshAuthorizer) IsEnabled() bool {
	return m.enabled
}

// Grant adds an explicit permission. Grants are never revoked.
func (m *MeshAuthorizer) Grant(g Grant) {
	key := relation{requester: g.Requester, responder: g.Responder, serviceID: g.ServiceID}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := *m.grants.Load()
	next := make(map[relation]struct{}, len(cur)+1)
	for k := range cur {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	m.grants.Store(&next)
}

// IsAllowed reports whether requester may call serviceID on responder and
// logs denials.
func (m *MeshAuthorizer) IsAllowed(ctx context.Context, requester *Principal, serviceID uint32, responder *Principal) bool {
	if !m.enabled {
		return true
	}
	if requester == nil || responder == nil {
		m.logDenied(ctx, requester, serviceID, responder)
		return false
	}

	pair := relation{requester: requester.Subject, responder: responder.Subject}
	grants := *m.grants.Load()
	if _, ok := grants[pair]; ok {
		return true
	}
	scoped := pair
	scoped.serviceID = serviceID
	if _, ok := grants[scoped]; ok {
		return true
	}
	if m.relationships.Contains(pair) {
		return true
	}

	if intersects(requester.Organizations, responder.Organizations) &&
		intersects(requester.ServiceAccounts, responder.ServiceAccounts) {
		m.relationships.Add(pair, struct{}{})
		return true
	}

	m.logDenied(ctx, requester, serviceID, responder)
	return false
}

func (m *MeshAuthorizer) logDenied(ctx context.Context, requester *Principal, serviceID uint32, responder *Principal) {
	logger := logging.ContextLogger(ctx, m.logger)
	fields := map[string]any{"serviceId": serviceID}
	if requester != nil {
		fields["requester"] = requester.Subject
	}
	if responder != nil {
		fields["responder"] = responder.Subject
	}
	logger.Warnf("mesh authorization denied", fields)
}
