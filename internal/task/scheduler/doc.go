// Package scheduler owns recurring task definitions.
//
// Scheduler upserts named entries into the schedule store. Service turns
// entries (and programmatic cron/interval/once registrations) into triggers
// and enqueues the resulting work into the task engine; it never executes
// job bodies itself.
package scheduler
