// Package events carries engine notifications to whoever listens.
//
// Breaker transitions, permanent batch failures, job completion, cancellation
// and timeouts are published as Events with JSON payloads. Handlers subscribe
// to the types they care about on an InMemoryEventEmitter; LogNotifier is the
// default subscriber and Recorder collects events in tests.
package events
