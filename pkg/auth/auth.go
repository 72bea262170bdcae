package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrUnknownAccessKey = errors.New("unknown access key")
	ErrSignatureExpired = errors.New("signature expired")
	ErrBadSignature     = errors.New("signature mismatch")
)

// SigningKey is a zone's system credential. It authenticates calls made by
// one zone on behalf of its users, never an end user's own key.
type SigningKey struct {
	AccessKey string `json:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" toml:"secret_key"`
}

func (k SigningKey) IsZero() bool {
	return k.AccessKey == "" && k.SecretKey == ""
}

func (k SigningKey) Validate() error {
	if k.AccessKey == "" {
		return errors.New("access key is required")
	}
	if k.SecretKey == "" {
		return errors.New("secret key is required")
	}
	return nil
}

// String never reveals the secret.
func (k SigningKey) String() string {
	return k.AccessKey
}

// KeyStore resolves access keys to signing keys on the receiving side
type KeyStore interface {
	Lookup(accessKey string) (SigningKey, error)
}

// StaticKeyStore is an in-memory KeyStore
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]SigningKey
}

func NewStaticKeyStore(keys ...SigningKey) *StaticKeyStore {
	ks := &StaticKeyStore{keys: make(map[string]SigningKey)}
	for _, k := range keys {
		ks.keys[k.AccessKey] = k
	}
	return ks
}

func (s *StaticKeyStore) Add(key SigningKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.AccessKey] = key
}

func (s *StaticKeyStore) Lookup(accessKey string) (SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[accessKey]
	if !ok {
		return SigningKey{}, fmt.Errorf("%w: %s", ErrUnknownAccessKey, accessKey)
	}
	return key, nil
}

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the verified caller of a signed request
type Identity struct {
	AccessKey string
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the identity stored by the verifying middleware
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}
