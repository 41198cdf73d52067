// Package postgres provides the PostgreSQL backends: a kv.Store on the
// kv_entries table, a deferred.Queue on deferred_callbacks, and a
// ContentStore for source items and generated content. Connections go
// through database/sql with the pgx driver; the schema is managed with
// goose migrations embedded in the binary.
package postgres
