package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrUnknownStrategy is returned by New for an unrecognised strategy name.
var ErrUnknownStrategy = errors.New("routing: unknown strategy")

// Strategy picks one registered instance for a service.
//
// OnAppRegistered and OnServiceUnregistered are serialized by the caller.
// Route and AllInstanceIDs may run concurrently with them and with each other.
type Strategy interface {
	Name() string

	// Route returns the chosen instance id. payload is only consulted by
	// strategies that hash it. ok is false when the service has no candidates.
	Route(serviceID uint32, payload []byte) (instanceID uint32, ok bool)

	// OnAppRegistered adds instanceID to every listed service. Registering the
	// same pair twice only updates the weight.
	OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32)

	// OnServiceUnregistered removes instanceID from every listed service.
	OnServiceUnregistered(instanceID uint32, weight int, serviceIDs []uint32)

	AllInstanceIDs(serviceID uint32) []uint32
}

// LoadReporter receives per-call outcomes for strategies that weigh
// candidates by observed behaviour.
type LoadReporter interface {
	CallStarted(instanceID uint32)
	CallFinished(instanceID uint32, latency time.Duration, err error)
}

// Names of the built-in strategies.
const (
	NameRandom             = "random"
	NameWeightedRandom     = "weighted_random"
	NameRoundRobin         = "round_robin"
	NameWeightedRoundRobin = "weighted_round_robin"
	NameConsistentHash     = "consistent_hash"
	NameWeightedLatency    = "weighted_latency"
)

type options struct {
	clock        clock.Clock
	virtualNodes int
}

// Option configures a strategy built by New.
type Option func(*options)

// WithClock sets the time source used by latency tracking.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithVirtualNodes sets the ring points per instance for consistent hashing.
func WithVirtualNodes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.virtualNodes = n
		}
	}
}

// New builds the strategy registered under name.
func New(name string, opts ...Option) (Strategy, error) {
	o := options{
		clock:        clock.New(),
		virtualNodes: DefaultVirtualNodes,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch name {
	case NameRandom:
		return NewRandom(), nil
	case NameWeightedRandom:
		return NewWeightedRandom(), nil
	case NameRoundRobin:
		return NewRoundRobin(), nil
	case NameWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	case NameConsistentHash:
		return NewConsistentHash(o.virtualNodes), nil
	case NameWeightedLatency:
		return NewWeightedLatency(o.clock), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
