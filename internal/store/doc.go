// Package store provides the durable Ordinal Registry.
//
// The registry keeps, per archived item:
//   - the sync ordinal (unique, assigned once, never reused)
//   - the last known existence flag
//   - the full record blob (JSON)
//
// all in one row of the artworks table. The highest ordinal ever issued is
// persisted separately in registry_meta and only advances inside the same
// transaction that inserts the record carrying it, so a crash can never
// leave an ordinal issued without its record or a record without its
// ordinal.
//
// Alongside the registry the store keeps pending items (item-level failures
// to retry on the next sync) and a journal of sync runs.
//
// # Backends
//
// Open dispatches on the DSN:
//   - a bare path, "file:" or "sqlite://" opens SQLite (mattn/go-sqlite3)
//     with WAL, synchronous=NORMAL, busy_timeout=5000 and a single connection
//   - "postgres://" or "postgresql://" opens PostgreSQL (lib/pq)
//
// The schema and every statement are shared between the two; statements are
// written with "?" placeholders and rebound for PostgreSQL.
package store
