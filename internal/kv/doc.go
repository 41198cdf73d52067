// Package kv defines the key-value store abstraction shared by every component,
// an in-memory implementation, JSON helpers and the key naming scheme.
//
// Durable implementations live under internal/platform (Badger, Postgres, Redis
// and NATS JetStream KV).
package kv
