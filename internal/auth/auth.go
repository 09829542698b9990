// Package auth validates API keys against SHA-256 hashes from configuration.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidKey is returned for keys that match no configured hash.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrMissingKey is returned when a request carries no credentials.
	ErrMissingKey = errors.New("missing Authorization header")
)

// APIKey is one configured key. Only its hash is ever stored.
type APIKey struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

// Client identifies the caller behind a validated key.
type Client struct {
	Name string
}

// Authenticator validates API keys.
type Authenticator struct {
	keys map[string]*Client // keyhash -> client
}

// NewAuthenticator builds an authenticator. It returns nil when keys is
// empty, which callers treat as "authentication disabled".
func NewAuthenticator(keys []APIKey) *Authenticator {
	if len(keys) == 0 {
		return nil
	}
	a := &Authenticator{keys: make(map[string]*Client, len(keys))}
	for i, k := range keys {
		name := k.Description
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		a.keys[strings.ToLower(k.KeyHash)] = &Client{Name: name}
	}
	return a
}

// ValidateAPIKey validates an API key and returns its client.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Client, error) {
	keyHash := HashAPIKey(apiKey)

	for h, c := range a.keys {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(h)) == 1 {
			return c, nil
		}
	}
	return nil, ErrInvalidKey
}

// ExtractAPIKey extracts the API key from the Authorization header. Both
// "Bearer <key>" and a bare key are accepted.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return header, nil
	}
	if !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("unsupported authorization scheme")
	}
	return strings.TrimSpace(rest), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
