// Package store provides typed access to the records the engine keeps in the
// shared key-value store: jobs, batches, per-batch results buffers and the
// task index. It also defines where finished results end up (ResultSink) and
// a KV-backed content source.
//
// Nothing here takes locks except the task index, whose single record is
// shared by every job. Callers serialize job and batch updates with the lock
// package and re-validate what they read.
package store
