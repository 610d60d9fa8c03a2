// Package auth validates instance credentials and decides whether one
// principal may call another's services.
package auth

import (
	"context"
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"
)

// AnonymousSubject is the subject given to instances when authentication is off.
const AnonymousSubject = "anonymous"

// Claim keys attached to instance metadata.
const (
	ClaimOrganizations   = "_orgs"
	ClaimRoles           = "_roles"
	ClaimServiceAccounts = "_serviceAccounts"
)

// Principal is the validated identity behind a connection.
type Principal struct {
	Subject         string   `yaml:"subject" json:"subject"`
	Organizations   []string `yaml:"organizations" json:"organizations,omitempty"`
	Roles           []string `yaml:"roles" json:"roles,omitempty"`
	ServiceAccounts []string `yaml:"serviceAccounts" json:"serviceAccounts,omitempty"`
}

// Hash identifies the subject in relationship keys.
func (p *Principal) Hash() uint32 {
	return murmur3.Sum32([]byte(p.Subject))
}

// HasRole reports whether p carries role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Claims renders the principal's claims as instance metadata entries.
func (p *Principal) Claims() map[string]string {
	claims := make(map[string]string, 3)
	if len(p.Organizations) > 0 {
		claims[ClaimOrganizations] = strings.Join(p.Organizations, ",")
	}
	if len(p.Roles) > 0 {
		claims[ClaimRoles] = strings.Join(p.Roles, ",")
	}
	if len(p.ServiceAccounts) > 0 {
		claims[ClaimServiceAccounts] = strings.Join(p.ServiceAccounts, ",")
	}
	return claims
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

// WithPrincipal returns a new context with the given principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the principal from context, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
