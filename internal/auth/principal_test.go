package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipalClaims(t *testing.T) {
	p := &Principal{Subject: "svc", Organizations: []string{"a", "b"}}
	claims := p.Claims()
	assert.Equal(t, "a,b", claims[ClaimOrganizations])
	_, hasRoles := claims[ClaimRoles]
	assert.False(t, hasRoles)
}

func TestPrincipalHashStable(t *testing.T) {
	a := &Principal{Subject: "svc"}
	b := &Principal{Subject: "svc", Roles: []string{"x"}}
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestPrincipalContext(t *testing.T) {
	assert.Nil(t, PrincipalFromContext(context.Background()))
	p := &Principal{Subject: "svc"}
	assert.Same(t, p, PrincipalFromContext(WithPrincipal(context.Background(), p)))
}
