// Package dispatch resolves each call to the provider instance, or upstream
// broker, that will serve it.
package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/auth"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/routing"
)

// endpointIDPrefix addresses an instance by its uuid.
const endpointIDPrefix = "id:"

// Upstream picks an upstream broker for calls no local provider serves.
// routing.AffinityMapper satisfies it.
type Upstream interface {
	Select(serviceID uint32) (addr string, ok bool)
}

// Destination is where a resolved call goes. Exactly one of Instance and
// UpstreamAddr is set.
type Destination struct {
	Instance     *registry.Instance
	UpstreamAddr string
	GSV          string
	ServiceID    uint32
	Outcome      string
}

// IsUpstream reports whether the call leaves this broker.
func (d Destination) IsUpstream() bool {
	return d.Instance == nil && d.UpstreamAddr != ""
}

// Config configures a Dispatcher. Registry is required.
type Config struct {
	Registry      *registry.Registry
	Authorizer    *auth.MeshAuthorizer
	Upstream      Upstream
	StickyEnabled bool
	Metrics       *metrics.DispatchMetrics
	Logger        *logging.Logger
	Clock         clock.Clock
}

// Dispatcher resolves calls. It holds no per-call state and is safe for
// concurrent use.
type Dispatcher struct {
	registry   *registry.Registry
	authorizer *auth.MeshAuthorizer
	upstream   Upstream
	sticky     bool
	metrics    *metrics.DispatchMetrics
	logger     *logging.Logger
	clock      clock.Clock
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		registry:   cfg.Registry,
		authorizer: cfg.Authorizer,
		upstream:   cfg.Upstream,
		sticky:     cfg.StickyEnabled,
		metrics:    cfg.Metrics,
		logger:     logger,
		clock:      clk,
	}
}

// Resolve picks the destination of one call. The order is: a live sticky
// binding, the endpoint hint, the routing strategy. The pick is then
// authorized; a denial is final. When no local provider exists the call goes
// upstream if one is configured.
func (d *Dispatcher) Resolve(ctx context.Context, req Requester, info *protocol.RoutingInfo, payload []byte) (Destination, error) {
	if info == nil || info.ServiceID == 0 {
		d.record("", metrics.OutcomeNoMetadata)
		return Destination{}, ErrRoutingMetadataMissing
	}
	sid := info.ServiceID
	dest := Destination{ServiceID: sid, GSV: d.gsv(info)}
	logger := logging.ContextLogger(ctx, d.logger)

	inst, outcome, err := d.pick(req, info, payload)
	if err != nil {
		d.record(dest.GSV, outcome)
		logger.Debugf("endpoint not found", map[string]any{
			"serviceId": sid,
			"gsv":       dest.GSV,
			"endpoint":  info.Endpoint,
		})
		return Destination{}, err
	}

	if inst == nil {
		if d.upstream != nil {
			if addr, ok := d.upstream.Select(sid); ok {
				dest.UpstreamAddr = addr
				dest.Outcome = metrics.OutcomeUpstream
				d.record(dest.GSV, metrics.OutcomeUpstream)
				d.consumed(req)
				return dest, nil
			}
		}
		d.record(dest.GSV, metrics.OutcomeNotFound)
		return Destination{}, &NotFoundError{GSV: dest.GSV, ServiceID: sid}
	}

	var principal *auth.Principal
	if req != nil {
		principal = req.Principal()
	}
	if d.authorizer != nil && !d.authorizer.IsAllowed(ctx, principal, sid, inst.Principal) {
		d.record(dest.GSV, metrics.OutcomeDenied)
		return Destination{}, ErrAuthorizationDenied
	}

	if d.sticky && info.Sticky && req != nil && outcome != metrics.OutcomeSticky {
		req.BindSticky(sid, inst.ID)
	}

	dest.Instance = inst
	dest.Outcome = outcome
	d.record(dest.GSV, outcome)
	d.consumed(req)
	return dest, nil
}

// pick returns the local candidate, or nil when the service has no local
// provider.
func (d *Dispatcher) pick(req Requester, info *protocol.RoutingInfo, payload []byte) (*registry.Instance, string, error) {
	sid := info.ServiceID

	if d.sticky && info.Sticky && req != nil {
		if id, ok := req.StickyBinding(sid); ok && d.registry.HasEdge(id, sid) {
			if inst, ok := d.registry.Instance(id); ok {
				return inst, metrics.OutcomeSticky, nil
			}
		}
	}

	if info.Endpoint != "" {
		return d.byEndpoint(sid, info.Endpoint)
	}

	if inst, ok := d.registry.Route(sid, payload); ok {
		return inst, metrics.OutcomeRouted, nil
	}
	return nil, metrics.OutcomeNotFound, nil
}

func (d *Dispatcher) byEndpoint(serviceID uint32, endpoint string) (*registry.Instance, string, error) {
	if uuid, ok := strings.CutPrefix(endpoint, endpointIDPrefix); ok {
		if inst, ok := d.registry.InstanceByUUID(uuid); ok {
			return inst, metrics.OutcomeEndpoint, nil
		}
		return nil, metrics.OutcomeNoEndpoint, ErrEndpointNotFound
	}

	candidates := d.registry.Candidates(serviceID)
	if len(candidates) == 0 {
		return nil, metrics.OutcomeNotFound, nil
	}
	tag := registry.TagHash(endpoint)
	for _, inst := range candidates {
		if inst.HasTag(tag) {
			return inst, metrics.OutcomeEndpoint, nil
		}
	}
	return nil, metrics.OutcomeNoEndpoint, ErrEndpointNotFound
}

func (d *Dispatcher) gsv(info *protocol.RoutingInfo) string {
	if info.Service != "" {
		return info.GSV()
	}
	if loc, ok := d.registry.ServiceLocator(info.ServiceID); ok {
		return loc.GSV()
	}
	return strconv.FormatUint(uint64(info.ServiceID), 10)
}

func (d *Dispatcher) record(gsv, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordResolution(gsv, outcome)
	}
}

func (d *Dispatcher) consumed(req Requester) {
	if req != nil {
		req.MarkConsumed()
	}
}

// Call tracks one forwarded call for metrics and load-aware strategies.
type Call struct {
	d       *Dispatcher
	dest    Destination
	started time.Time
	done    bool
}

// Begin marks dest as having a call in flight. End must be called exactly
// once when the call completes or is cancelled.
func (d *Dispatcher) Begin(dest Destination) *Call {
	if d.metrics != nil {
		d.metrics.CallStarted()
	}
	if lr, ok := d.registry.Strategy().(routing.LoadReporter); ok && dest.Instance != nil {
		lr.CallStarted(dest.Instance.ID)
	}
	return &Call{d: d, dest: dest, started: d.clock.Now()}
}

// End records the outcome of the call. Further calls are ignored.
func (c *Call) End(err error) {
	if c.done {
		return
	}
	c.done = true
	elapsed := c.d.clock.Since(c.started)
	if c.d.metrics != nil {
		c.d.metrics.CallFinished(c.dest.GSV, elapsed.Seconds(), err == nil)
	}
	if lr, ok := c.d.registry.Strategy().(routing.LoadReporter); ok && c.dest.Instance != nil {
		lr.CallFinished(c.dest.Instance.ID, elapsed, err)
	}
}
