// Package storage is the persistence layer behind the task core.
//
// It holds:
//   - schedule entries (one row per schedule name, upserted in place)
//   - task results written by the worker pool
//   - error logs, user sessions, exchange rates and settings used by the jobs
//   - part subscriptions used by low-stock notifications
//
// Backends: "memory", "file" (snapshot + journal), "sqlite" (modernc) and
// "postgres" (pgx). SQL backends apply embedded goose migrations on open.
package storage
