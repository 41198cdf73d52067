// Package testutils provides helpers shared by the package tests: a fake
// clock that also drives sleeps, a memory-backed slog handler for asserting
// on log output, and lookup of external service URLs that skips tests when
// the service is not configured.
package testutils
