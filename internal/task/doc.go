// Package task orchestrates batch generation jobs.
//
// A job is split into batches by the BatchScheduler, which paces their
// executions through deferred callbacks and holds back batches over the
// concurrency ceiling. The Executor submits one batch to the generation API,
// retrying transient failures behind the circuit breaker; asynchronous
// generations are handed to the PollingQueue. Every terminal batch is
// reported to the Aggregator, which finalizes the job once all batches are
// accounted for. The TimeoutDetector fails work that stopped making progress
// and reconciles jobs that missed their finalization.
//
// Nothing here keeps state in memory between invocations. Each entrypoint
// (a callback run by a dispatcher tick, an API request, a sweep) reloads what
// it needs under the lock manager and re-validates it before acting.
package task
