package registry

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/auth"
)

// MinUUIDLength is the shortest uuid accepted at setup.
const MinUUIDLength = 32

// Status is the lifecycle state of an instance.
type Status int32

const (
	StatusConnected Status = iota
	StatusServing
	StatusDown
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusServing:
		return "serving"
	case StatusDown:
		return "down"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDown || s == StatusStopped
}

// Conn is the broker's handle to an instance's transport. The registry never
// calls it; it travels with the instance so dispatch results can be forwarded.
type Conn interface {
	RemoteAddr() net.Addr
	Close() error
}

// InstanceID derives the id of a connection from its credential and uuid.
func InstanceID(credential, uuid string) uint32 {
	return Hash(credential + ":" + uuid)
}

// Endpoint tag keys.
const (
	tagID   = "id:"
	tagUUID = "uuid:"
	tagIP   = "ip:"
)

// TagHash hashes an endpoint expression such as "ip:10.0.0.1" or "zone:a".
func TagHash(endpoint string) uint32 {
	return Hash(endpoint)
}

// Instance is one connected process. All fields except the status are
// immutable once the instance is added to the registry.
type Instance struct {
	ID          uint32
	UUID        string
	IP          string
	Name        string
	Weight      int
	Principal   *auth.Principal
	Metadata    map[string]string
	ConnectedAt time.Time
	Conn        Conn

	tags   map[uint32]struct{}
	status atomic.Int32
}

// InstanceConfig describes an instance at setup.
type InstanceConfig struct {
	ID        uint32
	UUID      string
	IP        string
	Name      string
	Weight    int
	Principal *auth.Principal
	Metadata  map[string]string
	Conn      Conn
}

// NewInstance builds an instance in the Connected state. Principal claims
// are merged into the metadata and every tag hash is computed up front.
func NewInstance(cfg InstanceConfig) *Instance {
	md := make(map[string]string, len(cfg.Metadata)+3)
	for k, v := range cfg.Metadata {
		md[k] = v
	}
	if cfg.Principal != nil {
		for k, v := range cfg.Principal.Claims() {
			md[k] = v
		}
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}

	inst := &Instance{
		ID:          cfg.ID,
		UUID:        cfg.UUID,
		IP:          cfg.IP,
		Name:        cfg.Name,
		Weight:      weight,
		Principal:   cfg.Principal,
		Metadata:    md,
		ConnectedAt: time.Now(),
		Conn:        cfg.Conn,
		tags:        make(map[uint32]struct{}, len(md)+3),
	}
	inst.tags[TagHash(tagID+formatID(cfg.ID))] = struct{}{}
	inst.tags[TagHash(tagUUID+cfg.UUID)] = struct{}{}
	if cfg.IP != "" {
		inst.tags[TagHash(tagIP+cfg.IP)] = struct{}{}
	}
	for k, v := range md {
		inst.tags[TagHash(k+":"+v)] = struct{}{}
	}
	return inst
}

// HasTag reports whether the instance matches the endpoint tag hash.
func (i *Instance) HasTag(hash uint32) bool {
	_, ok := i.tags[hash]
	return ok
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// SetStatus moves the instance to s unless it already reached a terminal
// state. Returns false when the transition was refused.
func (i *Instance) SetStatus(s Status) bool {
	for {
		cur := Status(i.status.Load())
		if cur.Terminal() {
			return false
		}
		if i.status.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// promote moves a Connected instance to Serving.
func (i *Instance) promote() {
	i.status.CompareAndSwap(int32(StatusConnected), int32(StatusServing))
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Subject returns the principal's subject or "".
func (i *Instance) Subject() string {
	if i.Principal == nil {
		return ""
	}
	return i.Principal.Subject
}
