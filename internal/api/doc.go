// Package api exposes the batch engine over HTTP: job submission and
// inspection, cancellation, content loading, breaker state and health.
// Clients exchange an API key for a short-lived bearer token at
// /api/auth/token; every other /api route requires that token.
package api
