package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invtasks/internal/config"
	"invtasks/internal/jobs"
	"invtasks/internal/task/registry"
)

const testConfig = `
logging:
  level: error
  console: false
storage:
  driver: memory
task_engine:
  workers: 2
scheduler:
  enabled: true
  sync_every: 1h
worker:
  mode: engine
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppLifecycle(t *testing.T) {
	a, err := New(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.False(t, a.gate.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.gate.Ready())

	for name := range jobs.DefaultSchedules() {
		ok, err := a.store.ScheduleExists(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	require.NoError(t, a.Dispatch(ctx, jobs.Heartbeat, registry.Args{}, false))
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitIdle(waitCtx))

	assert.Eventually(t, func() bool {
		_, ok, err := a.store.LastSuccess(ctx, jobs.Heartbeat)
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.False(t, a.gate.Ready())
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still alive after Stop")
	}
}

func TestSyncDispatchRunsInline(t *testing.T) {
	a, err := New(writeConfig(t, testConfig))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	require.NoError(t, a.Dispatch(ctx, jobs.DeleteSuccessfulTasks, registry.Args{}, true))
	// Unknown modules are logged and swallowed.
	require.NoError(t, a.Dispatch(ctx, "no.such.task", registry.Args{}, true))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(writeConfig(t, testConfig+"  window: soon\n"))
	require.Error(t, err)
}

func TestEngineRequiredBySchedulerConfig(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.TaskEngine.Enabled = &off
	_, err := mapTaskEngineConfig(cfg)
	require.Error(t, err)

	cfg.Scheduler.Enabled = false
	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.False(t, ec.Enabled)
	assert.Equal(t, 3, ec.RetryMax)
}

func TestMapDefaults(t *testing.T) {
	cfg := config.Default()

	pc, err := mapProbeConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, jobs.Heartbeat, pc.HeartbeatFunc)

	_, httpTimeout, err := mapJobsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, httpTimeout)

	oc, err := mapOpsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, oc.ReadTimeout)
	assert.Zero(t, oc.WriteTimeout)
	assert.Equal(t, 120*time.Second, oc.IdleTimeout)

	cfg.Jobs.Retention.Results = "30d"
	jc, _, err := mapJobsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, jc.Retention.Results)

	cfg.Jobs.Retention.Results = "a while"
	assert.Error(t, validate(cfg))
}
