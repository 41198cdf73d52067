package auth

import "errors"

// Token validation failures. ValidateToken wraps the jwt library error in one
// of these so callers never depend on the library.
var (
	ErrInvalidToken     = errors.New("invalid authentication token")
	ErrExpiredToken     = errors.New("authentication token has expired")
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")
	ErrMissingToken     = errors.New("authentication token is missing")
)

// ErrInvalidCredentials is returned for an unknown client id and for a wrong
// API key alike.
var ErrInvalidCredentials = errors.New("invalid client credentials")

// IsTokenError reports whether err is one of the token validation failures.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrTokenNotYetValid) ||
		errors.Is(err, ErrMissingToken)
}
