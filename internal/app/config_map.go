package app

import (
	"fmt"
	"strings"
	"time"

	"invtasks/internal/config"
	"invtasks/internal/jobs"
	"invtasks/internal/ops"
	"invtasks/internal/storage"
	"invtasks/internal/task/engine"
	"invtasks/internal/task/probe"
	"invtasks/internal/task/scheduler"
	logx "invtasks/pkg/logx"
)

// The map* helpers convert the file config into component configs. They
// never start anything.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine

	// Stored schedules are executed by the engine; disabling it would
	// silently drop every trigger.
	if cfg.Scheduler.Enabled && !te.IsEnabled() {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}

	retryMax := te.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	openFor, err := config.ParseDurationField("task_engine.circuit_open_for", te.CircuitOpenFor)
	if err != nil {
		return engine.Config{}, err
	}
	resetAfter, err := config.ParseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:             te.IsEnabled(),
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      defTimeout,
		MaxQueueDelay:       maxQueueDelay,
		HistorySize:         te.HistorySize,
		RetryMax:            retryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitOpenFor:      openFor,
		CircuitResetAfter:   resetAfter,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	every, err := config.ParseDurationOrDefault("scheduler.sync_every", cfg.Scheduler.SyncEvery, scheduler.DefaultSyncEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Timezone:  strings.TrimSpace(cfg.Scheduler.Timezone),
		SyncEvery: every,
	}, nil
}

func mapProbeConfig(cfg *config.Config) (probe.Config, error) {
	window, err := config.ParseDurationField("worker.window", cfg.Worker.Window)
	if err != nil {
		return probe.Config{}, err
	}
	fn := strings.TrimSpace(cfg.Worker.HeartbeatFunc)
	if fn == "" {
		fn = jobs.Heartbeat
	}
	return probe.Config{
		Mode:          cfg.Worker.Mode,
		HeartbeatFunc: fn,
		Window:        window,
		Unit:          strings.TrimSpace(cfg.Worker.Unit),
	}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, time.Duration, error) {
	jc := cfg.Jobs
	httpTimeout, err := config.ParseDurationOrDefault("jobs.http_timeout", jc.HTTPTimeout, 30*time.Second)
	if err != nil {
		return jobs.Config{}, 0, err
	}
	var ret jobs.RetentionConfig
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"jobs.retention.heartbeats", jc.Retention.Heartbeats, &ret.Heartbeats},
		{"jobs.retention.results", jc.Retention.Results, &ret.Results},
		{"jobs.retention.error_logs", jc.Retention.ErrorLogs, &ret.ErrorLogs},
		{"jobs.retention.session_grace", jc.Retention.SessionGrace, &ret.SessionGrace},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return jobs.Config{}, 0, err
		}
		*f.dst = d
	}
	return jobs.Config{
		Updates: jobs.UpdatesConfig{
			URL:            jc.Updates.URL,
			CurrentVersion: jc.Updates.CurrentVersion,
		},
		Exchange: jobs.ExchangeConfig{
			URL:          jc.Exchange.URL,
			BaseCurrency: jc.Exchange.BaseCurrency,
			Currencies:   jc.Exchange.Currencies,
		},
		Mail: jobs.MailConfig{
			Host:       jc.Mail.Host,
			Port:       jc.Mail.Port,
			Username:   jc.Mail.Username,
			Password:   jc.Mail.Password,
			From:       jc.Mail.From,
			RatePerSec: jc.Mail.RatePerSec,
		},
		Retention: ret,
	}, httpTimeout, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	readTO, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// 0 (disabled) by default so /debug/pprof/profile works.
	writeTO, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 120*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		ReadTimeout:          readTO,
		WriteTimeout:         writeTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}

// validate runs every mapping; the config watcher uses it to reject a
// reload before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProbeConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
