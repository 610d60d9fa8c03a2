package registry

import (
	"strings"

	"github.com/spaolacci/murmur3"
)

// ServiceLocator identifies one exposed service by group, service and version.
type ServiceLocator struct {
	Group   string `json:"group,omitempty"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// NewServiceLocator builds a locator.
func NewServiceLocator(group, service, version string) ServiceLocator {
	return ServiceLocator{Group: group, Service: service, Version: version}
}

// GSV renders "[group:]service[:version]".
func (l ServiceLocator) GSV() string {
	return GSV(l.Group, l.Service, l.Version)
}

// ID is the murmur3 hash of the gsv string.
func (l ServiceLocator) ID() uint32 {
	return ServiceID(l.Group, l.Service, l.Version)
}

func (l ServiceLocator) String() string {
	return l.GSV()
}

// GSV renders "[group:]service[:version]".
func GSV(group, service, version string) string {
	var b strings.Builder
	b.Grow(len(group) + len(service) + len(version) + 2)
	if group != "" {
		b.WriteString(group)
		b.WriteByte(':')
	}
	b.WriteString(service)
	if version != "" {
		b.WriteByte(':')
		b.WriteString(version)
	}
	return b.String()
}

// ServiceID hashes a group/service/version triple.
func ServiceID(group, service, version string) uint32 {
	return Hash(GSV(group, service, version))
}

// Hash is the 32-bit murmur3 hash used for every broker identifier.
func Hash(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}
