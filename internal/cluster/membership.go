package cluster

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// Membership reports the brokers of this cluster.
type Membership interface {
	// Run reports the current brokers to fn and again after each change,
	// until ctx ends.
	Run(ctx context.Context, fn func([]BrokerInfo)) error
}

// Static is a fixed broker list taken from configuration.
type Static struct {
	Self  BrokerInfo
	Peers []string
}

func (s *Static) Run(ctx context.Context, fn func([]BrokerInfo)) error {
	brokers := []BrokerInfo{s.Self}
	for _, addr := range s.Peers {
		if addr != s.Self.Addr {
			brokers = append(brokers, BrokerInfo{Addr: addr})
		}
	}
	fn(brokers)
	<-ctx.Done()
	return nil
}

// Announcer receives the broker address list whenever it changes.
type Announcer interface {
	ClusterChanged(brokers []string)
}

// Notifier follows a Membership and announces changes of the broker
// address list. The list is kept sorted and free of duplicates, so a
// re-listing that changes nothing is not announced.
type Notifier struct {
	membership Membership
	announcer  Announcer
	logger     *logging.Logger

	mu      sync.RWMutex
	brokers []string
	ready   atomic.Bool
}

// NewNotifier creates a notifier. announcer may be nil.
func NewNotifier(m Membership, announcer Announcer, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Notifier{membership: m, announcer: announcer, logger: logger}
}

// Run follows the membership until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	return n.membership.Run(ctx, n.update)
}

func (n *Notifier) update(infos []BrokerInfo) {
	seen := make(map[string]struct{}, len(infos))
	addrs := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Addr == "" {
			continue
		}
		if _, dup := seen[info.Addr]; dup {
			continue
		}
		seen[info.Addr] = struct{}{}
		addrs = append(addrs, info.Addr)
	}
	sort.Strings(addrs)

	n.mu.Lock()
	if n.ready.Load() && equal(n.brokers, addrs) {
		n.mu.Unlock()
		return
	}
	n.brokers = addrs
	n.mu.Unlock()
	n.ready.Store(true)

	n.logger.Infof("cluster membership changed", map[string]any{"brokers": addrs})
	if n.announcer != nil {
		n.announcer.ClusterChanged(append([]string(nil), addrs...))
	}
}

// Brokers returns the current broker addresses.
func (n *Notifier) Brokers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.brokers...)
}

// Ready reports whether a broker list has been received.
func (n *Notifier) Ready() bool {
	return n.ready.Load()
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
