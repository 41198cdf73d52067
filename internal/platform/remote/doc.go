// Package remote is a generation.Generator for an asynchronous HTTP
// generation service.
//
// The service accepts a batch with POST /v1/generations and answers either
// with results or with a generation id. Progress is read with
// GET /v1/generations/{id} until the reported status is completed or failed,
// or until processed reaches total. GET /v1/health is the breaker probe.
// Requests carry the API key as a bearer token.
package remote
