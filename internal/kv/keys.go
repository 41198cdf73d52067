package kv

// Key naming conventions. Segments are joined with '.' so the same keys are
// valid for every backend, including NATS KV buckets.

const keyPrefix = "scry."

// JobKey returns the key for a job record: scry.job.{id}
func JobKey(id string) string { return keyPrefix + "job." + id }

// BatchKey returns the key for a batch record: scry.batch.{id}
func BatchKey(id string) string { return keyPrefix + "batch." + id }

// ResultsKey returns the key for a batch's results buffer: scry.results.{batchID}
func ResultsKey(batchID string) string { return keyPrefix + "results." + batchID }

// LockKey returns the key for a lock record: scry.lock.{resource}
func LockKey(resource string) string { return keyPrefix + "lock." + resource }

// BreakerKey returns the key for a circuit breaker state: scry.breaker.{service}
func BreakerKey(service string) string { return keyPrefix + "breaker." + service }

// ContentKey returns the key for a generated content payload: scry.content.{workflow}.{itemID}
func ContentKey(workflow, itemID string) string {
	return keyPrefix + "content." + workflow + "." + itemID
}

// SourceContentKey returns the key for a source item: scry.source.{itemID}
func SourceContentKey(itemID string) string { return keyPrefix + "source." + itemID }

// Singleton records.
const (
	PollingQueueKey      = keyPrefix + "polling.queue"
	TaskIndexKey         = keyPrefix + "index.tasks"
	RecentCompletionsKey = keyPrefix + "index.recent"
	DeferredBatchesKey   = keyPrefix + "scheduler.deferred"
)
