package auth

import (
	"context"
	"time"
)

// JWTService issues and validates the bearer tokens of API clients.
type JWTService interface {
	// GenerateToken creates a signed access token for clientID and returns it
	// with its expiry time.
	GenerateToken(ctx context.Context, clientID string) (string, time.Time, error)

	// ValidateToken validates the provided token string and extracts the claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid or ErrInvalidToken on failure.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims is the validated content of an access token.
type Claims struct {
	// ClientID is the API client the token was issued for.
	ClientID string `json:"cid,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
