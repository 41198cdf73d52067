// Package domain contains the records the batch engine coordinates through:
// jobs, batches, polling entries and task index entries, together with their
// status enumerations and the single transition validator shared by every
// component that changes a status.
//
// Records are plain tagged structs serialized as JSON. Each carries a schema
// version that readers check before trusting the contents.
package domain
