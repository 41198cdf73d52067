// Package generation defines the boundary between the batch engine and the
// external AI/LLM services that produce quiz and summary content.
//
// A Generator accepts a batch of items and either returns results right away
// or hands back a generation id that is polled until the remote work
// finishes. Errors carry HTTP-like status codes so the retry policy and
// circuit breaker can classify them. Implementations live under
// internal/platform (Gemini and a generic remote HTTP service).
package generation
