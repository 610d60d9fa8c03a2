package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
)

// ErrNoRouting is returned when a request carries no usable routing metadata.
var ErrNoRouting = errors.New("protocol: no routing metadata")

// RoutingInfo addresses one call.
type RoutingInfo struct {
	// ServiceID is derived from the gsv when the requester leaves it zero.
	ServiceID uint32 `json:"serviceId,omitempty"`
	Group     string `json:"group,omitempty"`
	Service   string `json:"service,omitempty"`
	Version   string `json:"version,omitempty"`
	Method    string `json:"method,omitempty"`

	// Endpoint pins the call to one instance: "id:<uuid>" or a tag such as
	// "ip:10.0.0.1" or "zone:a".
	Endpoint string `json:"endpoint,omitempty"`
	Sticky   bool   `json:"sticky,omitempty"`
}

// GSV renders the routing target as [group:]service[:version].
func (r *RoutingInfo) GSV() string {
	return registry.GSV(r.Group, r.Service, r.Version)
}

// Locator returns the service locator of the target.
func (r *RoutingInfo) Locator() registry.ServiceLocator {
	return registry.NewServiceLocator(r.Group, r.Service, r.Version)
}

// Extractor parses routing metadata out of a request frame.
type Extractor interface {
	Extract(metadata []byte) (*RoutingInfo, error)
}

// JSONExtractor reads RoutingInfo encoded as JSON.
type JSONExtractor struct{}

func (JSONExtractor) Extract(metadata []byte) (*RoutingInfo, error) {
	if len(metadata) == 0 {
		return nil, ErrNoRouting
	}
	var info RoutingInfo
	if err := json.Unmarshal(metadata, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRouting, err)
	}
	if info.ServiceID == 0 {
		if info.Service == "" {
			return nil, ErrNoRouting
		}
		info.ServiceID = registry.ServiceID(info.Group, info.Service, info.Version)
	}
	return &info, nil
}

// EncodeRouting renders r as request metadata.
func EncodeRouting(r *RoutingInfo) ([]byte, error) {
	md, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode routing: %w", err)
	}
	return md, nil
}

// Locator returns the service locator d describes.
func (d ServiceDescriptor) Locator() registry.ServiceLocator {
	return registry.NewServiceLocator(d.Group, d.Service, d.Version)
}

// Locators converts descriptors, skipping those without a service name.
func Locators(ds []ServiceDescriptor) []registry.ServiceLocator {
	out := make([]registry.ServiceLocator, 0, len(ds))
	for _, d := range ds {
		if d.Service != "" {
			out = append(out, d.Locator())
		}
	}
	return out
}

// Descriptor converts a locator back to its wire form.
func Descriptor(l registry.ServiceLocator) ServiceDescriptor {
	return ServiceDescriptor{Group: l.Group, Service: l.Service, Version: l.Version}
}
