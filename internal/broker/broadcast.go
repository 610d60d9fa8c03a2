package broker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
)

// Broadcast audiences. An instance that exposes services and never calls
// any is a publisher; one that does both is mixed; everything else is a
// consumer.
const (
	AudiencePublisher  = "publisher"
	AudienceMixed      = "mixed"
	AudienceConsumer   = "consumer"
	AudienceSubscriber = "subscriber"
	AudienceAll        = "all"
)

// Default delays of the cluster-changed notification per audience.
const (
	DefaultMixedDelay    = 15 * time.Second
	DefaultConsumerDelay = 30 * time.Second
)

// Peer is a connection that receives broadcasts.
type Peer interface {
	ID() uint32
	IsPublisher() bool
	Consumed() bool
	Push(*protocol.ControlMessage) error
}

func audienceOf(p Peer) string {
	switch {
	case p.IsPublisher() && p.Consumed():
		return AudienceMixed
	case p.IsPublisher():
		return AudiencePublisher
	default:
		return AudienceConsumer
	}
}

// RegistryPeers lists the connected instances of reg that accept broadcasts.
func RegistryPeers(reg *registry.Registry) func() []Peer {
	return func() []Peer {
		instances := reg.Instances()
		out := make([]Peer, 0, len(instances))
		for _, inst := range instances {
			if p, ok := inst.Conn.(Peer); ok {
				out = append(out, p)
			}
		}
		return out
	}
}

// BroadcastConfig configures a Broadcaster.
type BroadcastConfig struct {
	MixedDelay    time.Duration
	ConsumerDelay time.Duration
	Clock         clock.Clock
	Metrics       *metrics.BroadcastMetrics
	Logger        *logging.Logger
}

// Broadcaster pushes topology changes to connected instances. Cluster
// changes are staggered so that instances which only publish learn first and
// pure consumers last, spreading the reconnects they trigger.
type Broadcaster struct {
	peers   func() []Peer
	mixed   time.Duration
	consume time.Duration
	clock   clock.Clock
	metrics *metrics.BroadcastMetrics
	logger  *logging.Logger

	mu      sync.Mutex
	pending []*clock.Timer
}

// NewBroadcaster creates a broadcaster over the peers returned by peers.
func NewBroadcaster(peers func() []Peer, cfg BroadcastConfig) *Broadcaster {
	b := &Broadcaster{
		peers:   peers,
		mixed:   cfg.MixedDelay,
		consume: cfg.ConsumerDelay,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if b.mixed <= 0 {
		b.mixed = DefaultMixedDelay
	}
	if b.consume <= 0 {
		b.consume = DefaultConsumerDelay
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.logger == nil {
		b.logger = logging.DefaultLogger()
	}
	return b
}

// ClusterChanged announces the current broker list. Publishers are told now,
// mixed instances after the mixed delay and consumers after the consumer
// delay. A newer announcement supersedes deliveries still pending. Peers are
// classified when their turn comes, so late joiners are included.
func (b *Broadcaster) ClusterChanged(brokers []string) {
	msg := &protocol.ControlMessage{Kind: protocol.KindClusterChanged, Brokers: brokers}

	b.mu.Lock()
	for _, t := range b.pending {
		t.Stop()
	}
	b.pending = []*clock.Timer{
		b.clock.AfterFunc(b.mixed, func() { b.send(msg, AudienceMixed) }),
		b.clock.AfterFunc(b.consume, func() { b.send(msg, AudienceConsumer) }),
	}
	b.mu.Unlock()

	b.logger.Infof("cluster changed", map[string]any{"brokers": brokers})
	b.send(msg, AudiencePublisher)
}

// InstanceStatus tells every other connection that inst changed state.
func (b *Broadcaster) InstanceStatus(inst *registry.Instance) {
	msg := &protocol.ControlMessage{
		Kind:       protocol.KindInstanceStatus,
		InstanceID: inst.ID,
		UUID:       inst.UUID,
		Name:       inst.Name,
		Status:     inst.Status().String(),
	}
	for _, p := range b.peers() {
		if p.ID() == inst.ID {
			continue
		}
		b.push(p, msg, AudienceAll)
	}
}

// Stop cancels pending deliveries.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.pending {
		t.Stop()
	}
	b.pending = nil
}

func (b *Broadcaster) send(msg *protocol.ControlMessage, audience string) {
	for _, p := range b.peers() {
		if audienceOf(p) == audience {
			b.push(p, msg, audience)
		}
	}
}

func (b *Broadcaster) push(p Peer, msg *protocol.ControlMessage, audience string) {
	if err := p.Push(msg); err != nil {
		b.logger.Debugf("broadcast dropped", map[string]any{
			"instanceId": p.ID(),
			"kind":       msg.Kind,
			"error":      err.Error(),
		})
		if b.metrics != nil {
			b.metrics.RecordFailure(string(msg.Kind))
		}
		return
	}
	if b.metrics != nil {
		b.metrics.RecordSent(string(msg.Kind), audience)
	}
}
