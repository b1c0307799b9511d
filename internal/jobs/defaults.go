package jobs

import (
	"context"

	"invtasks/internal/storage"
	"invtasks/internal/task/scheduler"
)

// Scheduler is satisfied by *scheduler.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, name string, cfg scheduler.ScheduleConfig)
}

// DefaultSchedules lists the recurring maintenance tasks: the heartbeat every
// five minutes, everything else once a day.
func DefaultSchedules() map[string]scheduler.ScheduleConfig {
	daily := scheduler.ScheduleConfig{Type: storage.ScheduleDaily}
	return map[string]scheduler.ScheduleConfig{
		Heartbeat:             {Type: storage.ScheduleMinutes, Minutes: 5},
		DeleteSuccessfulTasks: daily,
		DeleteOldErrorLogs:    daily,
		CheckForUpdates:       daily,
		DeleteExpiredSessions: daily,
		UpdateExchangeRates:   daily,
	}
}

// ScheduleDefaults upserts DefaultSchedules. It is safe to call on every
// start; existing entries are overwritten in place.
func ScheduleDefaults(ctx context.Context, s Scheduler) {
	for name, cfg := range DefaultSchedules() {
		s.Schedule(ctx, name, cfg)
	}
}
