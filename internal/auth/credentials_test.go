package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStore_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - subject: billing
    secret: s3cret
    organizations: [acme]
    roles: [internal]
    serviceAccounts: [payments]
  - subject: ""
    secret: ignored
`), 0o600))

	cs := NewCredentialStore()
	require.NoError(t, cs.LoadFromFile(path))
	assert.Equal(t, 1, cs.Count())

	p, err := cs.Validate("billing:s3cret")
	require.NoError(t, err)
	assert.Equal(t, "billing", p.Subject)
	assert.Equal(t, []string{"acme"}, p.Organizations)
	assert.True(t, p.HasRole("internal"))
	assert.Equal(t, "payments", p.Claims()[ClaimServiceAccounts])
}

func TestCredentialStore_LoadFromFileMissing(t *testing.T) {
	cs := NewCredentialStore()
	assert.Error(t, cs.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestCredentialStore_Validate(t *testing.T) {
	cs := NewCredentialStore()
	require.NoError(t, cs.LoadFromString("alice:pw1, bob:pw:with:colons,malformed,:nouser"))
	assert.Equal(t, 2, cs.Count())

	tests := []struct {
		name       string
		credential string
		wantErr    bool
	}{
		{"valid", "alice:pw1", false},
		{"secret with colons", "bob:pw:with:colons", false},
		{"wrong secret", "alice:nope", true},
		{"unknown subject", "carol:pw1", true},
		{"no separator", "alice", true},
		{"empty", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cs.Validate(tc.credential)
			if tc.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidCredentials))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentialStore_ValidateReturnsCopy(t *testing.T) {
	cs := NewCredentialStore()
	cs.Add(Account{Principal: Principal{Subject: "svc", Roles: []string{"a"}}, Secret: "x"})

	p, err := cs.Validate("svc:x")
	require.NoError(t, err)
	p.Subject = "mutated"

	again, err := cs.Validate("svc:x")
	require.NoError(t, err)
	assert.Equal(t, "svc", again.Subject)
}

func TestAnonymousValidator(t *testing.T) {
	p, err := AnonymousValidator{}.Validate("orders:whatever")
	require.NoError(t, err)
	assert.Equal(t, "orders", p.Subject)

	p, err = AnonymousValidator{}.Validate("")
	require.NoError(t, err)
	assert.Equal(t, AnonymousSubject, p.Subject)
}

func TestCredentialStore_IsEmpty(t *testing.T) {
	assert.True(t, NewCredentialStore().IsEmpty())
}
