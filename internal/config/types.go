package config

// Config is the process configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"); retention
// fields additionally accept a day suffix ("30d").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// TaskEngine controls the worker pool that executes tasks.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	// Scheduler controls triggers and the persisted schedule sync.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Worker selects how the dispatcher decides a worker pool is available.
	Worker WorkerConfig `json:"worker"`

	Jobs JobsConfig `json:"jobs"`
	Ops  OpsConfig  `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./invtasks.db" }
//
// An empty driver (or "none") disables storage; the scheduler then logs
// and skips every upsert.
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=none memory mem file sqlite sqlite3 postgres postgresql pgx"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; prefer INVTASKS_DATABASE_URL
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so "omitted" (default true) differs from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - circuit_trip_failures: 5 (-1 disables the breaker)
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize int   `json:"queue_size,omitempty" validate:"gte=0"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax    int `json:"retry_max,omitempty" validate:"gte=0"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty" validate:"gte=-1"`
	CircuitOpenFor      string `json:"circuit_open_for,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// SyncEvery is how often persisted schedules are re-read. Default 1m.
	SyncEvery string `json:"sync_every,omitempty"`
	// Defaults upserts the built-in maintenance schedules on start.
	// Omitted means true.
	Defaults *bool `json:"defaults,omitempty"`
}

// WorkerConfig configures the worker availability probe.
//
// Mode is a comma separated list of "engine", "heartbeat", "systemd" or
// "none"; any probe reporting available is enough.
type WorkerConfig struct {
	Mode          string `json:"mode,omitempty"`
	HeartbeatFunc string `json:"heartbeat_func,omitempty"`
	Window        string `json:"window,omitempty"`
	Unit          string `json:"unit,omitempty" validate:"omitempty,endswith=.service"`
}

type JobsConfig struct {
	HTTPTimeout string          `json:"http_timeout,omitempty"`
	Updates     UpdatesConfig   `json:"updates"`
	Exchange    ExchangeConfig  `json:"exchange"`
	Mail        MailConfig      `json:"mail"`
	Retention   RetentionConfig `json:"retention"`
}

type UpdatesConfig struct {
	URL            string `json:"url,omitempty" validate:"omitempty,url"`
	CurrentVersion string `json:"current_version,omitempty"`
}

type ExchangeConfig struct {
	URL          string   `json:"url,omitempty" validate:"omitempty,url"`
	BaseCurrency string   `json:"base_currency,omitempty" validate:"omitempty,len=3"`
	Currencies   []string `json:"currencies,omitempty" validate:"dive,len=3"`
}

type MailConfig struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"` // prefer INVTASKS_SMTP_PASSWORD; never logged
	From       string `json:"from,omitempty" validate:"omitempty,email"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type RetentionConfig struct {
	Heartbeats   string `json:"heartbeats,omitempty"`
	Results      string `json:"results,omitempty"`
	ErrorLogs    string `json:"error_logs,omitempty"`
	SessionGrace string `json:"session_grace,omitempty"`
}

// OpsConfig controls the optional ops HTTP server (health, schedule and
// engine snapshots, manual dispatch, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8085").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:8085"
	Token         string `json:"token,omitempty"`                                   // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so
	// /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{Enabled: true},
		Worker:    WorkerConfig{Mode: "engine"},
	}
}

func (c TaskEngineConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c SchedulerConfig) DefaultsEnabled() bool { return c.Defaults == nil || *c.Defaults }
