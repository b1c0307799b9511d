package jobs

import (
	"context"

	"invtasks/internal/storage"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

// Heartbeat proves a worker is consuming tasks. Its own results are kept only
// for a short window so they do not pile up.
func (j *Jobs) Heartbeat(ctx context.Context, _ registry.Args) error {
	if !j.ready("heartbeat") {
		return nil
	}
	keep := j.config().Retention.withDefaults().Heartbeats
	n, err := j.store.DeleteResults(ctx, storage.ResultFilter{
		Func:          Heartbeat,
		StartedBefore: j.now().Add(-keep),
	})
	if err != nil {
		return j.storeSkipped("heartbeat", err)
	}
	if n > 0 {
		j.log.Debug("old heartbeat results deleted", logx.Int64("count", n))
	}
	return nil
}

// DeleteSuccessfulTasks drops successful task records older than the retention.
func (j *Jobs) DeleteSuccessfulTasks(ctx context.Context, _ registry.Args) error {
	if !j.ready("delete_successful_tasks") {
		return nil
	}
	keep := j.config().Retention.withDefaults().Results
	ok := true
	n, err := j.store.DeleteResults(ctx, storage.ResultFilter{
		Success:       &ok,
		StartedBefore: j.now().Add(-keep),
	})
	if err != nil {
		return j.storeSkipped("delete_successful_tasks", err)
	}
	if n > 0 {
		j.log.Info("deleted successful task records", logx.Int64("count", n))
	}
	return nil
}

// DeleteOldErrorLogs drops error logs older than the retention.
func (j *Jobs) DeleteOldErrorLogs(ctx context.Context, _ registry.Args) error {
	if !j.ready("delete_old_error_logs") {
		return nil
	}
	keep := j.config().Retention.withDefaults().ErrorLogs
	n, err := j.store.DeleteErrorLogs(ctx, j.now().Add(-keep))
	if err != nil {
		return j.storeSkipped("delete_old_error_logs", err)
	}
	if n > 0 {
		j.log.Info("deleted old error logs", logx.Int64("count", n))
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired more than the grace
// period ago.
func (j *Jobs) DeleteExpiredSessions(ctx context.Context, _ registry.Args) error {
	if !j.ready("delete_expired_sessions") {
		return nil
	}
	grace := j.config().Retention.withDefaults().SessionGrace
	n, err := j.store.DeleteExpiredSessions(ctx, j.now().Add(-grace))
	if err != nil {
		return j.storeSkipped("delete_expired_sessions", err)
	}
	if n > 0 {
		j.log.Info("deleted expired sessions", logx.Int64("count", n))
	}
	return nil
}
