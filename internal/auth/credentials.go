package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidCredentials is returned when authentication fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrNoCredentials is returned when no credentials are configured.
var ErrNoCredentials = errors.New("no credentials configured")

// Validator turns the credential presented in a setup into a principal.
type Validator interface {
	Validate(credential string) (*Principal, error)
}

// Account is one entry of the credentials file.
type Account struct {
	Principal `yaml:",inline"`
	Secret    string `yaml:"secret"`
}

type credentialsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// CredentialStore validates "subject:secret" credentials against
// configured accounts.
type CredentialStore struct {
	mu       sync.RWMutex
	accounts map[string]Account // subject -> account
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		accounts: make(map[string]Account),
	}
}

// LoadFromFile loads accounts from a YAML file:
//
//	accounts:
//	  - subject: billing
//	    secret: s3cret
//	    organizations: [acme]
//	    roles: [internal]
//	    serviceAccounts: [payments]
func (cs *CredentialStore) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse credentials %s: %w", path, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, a := range f.Accounts {
		if a.Subject == "" {
			continue // Skip entries with empty subject
		}
		cs.accounts[a.Subject] = a
	}
	return nil
}

// LoadFromString loads claim-less accounts from a comma-separated string.
// Format: "subject1:secret1,subject2:secret2"
func (cs *CredentialStore) LoadFromString(data string) error {
	if data == "" {
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, pair := range strings.Split(data, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		subject, secret, ok := strings.Cut(pair, ":")
		subject = strings.TrimSpace(subject)
		if !ok || subject == "" {
			continue // Skip malformed entries
		}
		cs.accounts[subject] = Account{Principal: Principal{Subject: subject}, Secret: secret}
	}
	return nil
}

// Add adds or updates an account.
func (cs *CredentialStore) Add(a Account) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.accounts[a.Subject] = a
}

// Validate checks a "subject:secret" credential and returns the account's
// principal. Uses constant-time comparison to prevent timing attacks.
func (cs *CredentialStore) Validate(credential string) (*Principal, error) {
	subject, secret, ok := strings.Cut(credential, ":")
	if !ok {
		return nil, ErrInvalidCredentials
	}

	cs.mu.RLock()
	account, found := cs.accounts[subject]
	cs.mu.RUnlock()

	if !found {
		// Perform a dummy comparison to maintain constant time
		subtle.ConstantTimeCompare([]byte(secret), []byte("dummy-secret-comparison"))
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(account.Secret)) != 1 {
		return nil, ErrInvalidCredentials
	}

	p := account.Principal
	return &p, nil
}

// Count returns the number of stored accounts.
func (cs *CredentialStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.accounts)
}

// IsEmpty returns true if no accounts are configured.
func (cs *CredentialStore) IsEmpty() bool {
	return cs.Count() == 0
}

// AnonymousValidator accepts any credential. The subject is the part before
// the first ':' or AnonymousSubject when the credential is empty.
type AnonymousValidator struct{}

func (AnonymousValidator) Validate(credential string) (*Principal, error) {
	subject, _, _ := strings.Cut(credential, ":")
	if subject == "" {
		subject = AnonymousSubject
	}
	return &Principal{Subject: subject}, nil
}

var (
	_ Validator = (*CredentialStore)(nil)
	_ Validator = AnonymousValidator{}
)
