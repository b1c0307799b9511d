package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct constraints, duration strings, the timezone and
// the ops exposure rule.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
		{"task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay},
		{"task_engine.circuit_open_for", cfg.TaskEngine.CircuitOpenFor},
		{"task_engine.circuit_reset_after", cfg.TaskEngine.CircuitResetAfter},
		{"scheduler.sync_every", cfg.Scheduler.SyncEvery},
		{"worker.window", cfg.Worker.Window},
		{"jobs.http_timeout", cfg.Jobs.HTTPTimeout},
		{"jobs.retention.heartbeats", cfg.Jobs.Retention.Heartbeats},
		{"jobs.retention.results", cfg.Jobs.Retention.Results},
		{"jobs.retention.error_logs", cfg.Jobs.Retention.ErrorLogs},
		{"jobs.retention.session_grace", cfg.Jobs.Retention.SessionGrace},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	var errs []error
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for %s", cfg.Storage.Driver))
		}
	}

	if cfg.Ops.Enabled && cfg.Ops.Token == "" && !cfg.Ops.AllowInsecure && !isLoopback(cfg.Ops.Addr) {
		errs = append(errs, fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", cfg.Ops.Addr))
	}
	return errors.Join(errs...)
}

// isLoopback treats an empty addr as the loopback default.
func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
