package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the client id is unknown, so a miss
// costs the same as a wrong key.
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("unknown-client-placeholder"), bcrypt.DefaultCost)
	return hash
})

// ClientVerifier checks API client credentials against bcrypt hashes.
type ClientVerifier struct {
	clients map[string]string
}

// NewClientVerifier creates a verifier for clients, a map of client id to
// the bcrypt hash of its API key.
func NewClientVerifier(clients map[string]string) *ClientVerifier {
	c := make(map[string]string, len(clients))
	for id, hash := range clients {
		c[id] = hash
	}
	return &ClientVerifier{clients: c}
}

// Verify returns ErrInvalidCredentials unless key matches the stored hash
// for clientID.
func (v *ClientVerifier) Verify(clientID, key string) error {
	hash, ok := v.clients[clientID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(key))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashKey returns the bcrypt hash to store for an API key.
func HashKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}
