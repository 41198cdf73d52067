package testutils

import (
	"os"
	"testing"
)

// Environment variables that point tests at external services.
const (
	PostgresURLEnv = "SCRY_TEST_DATABASE_URL"
	RedisURLEnv    = "SCRY_TEST_REDIS_URL"
	NATSURLEnv     = "SCRY_TEST_NATS_URL"
)

// ExternalURL returns the value of the environment variable name, skipping
// the test when it is unset. Tests against real Postgres, Redis or NATS use
// it so the default test run needs no external services.
func ExternalURL(t *testing.T, name string) string {
	t.Helper()
	url := os.Getenv(name)
	if url == "" {
		t.Skipf("%s not set, skipping test against external service", name)
	}
	return url
}
