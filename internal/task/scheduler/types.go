package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"invtasks/internal/storage"
	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"

	// SyncEvery is how often stored schedule entries are reconciled into
	// triggers. 0 uses DefaultSyncEvery.
	SyncEvery time.Duration
}

const DefaultSyncEvery = time.Minute

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

type TaskEvent = engine.TaskEvent

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Submitter hands a task identifier to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, identifier string, args registry.Args) error
}

// Option configures a Service.
type Option func(*Service)

// WithStore makes Sync reconcile entries from store and submit their tasks to pool.
func WithStore(store storage.ScheduleStore, pool Submitter) Option {
	return func(s *Service) {
		s.store = store
		s.pool = pool
	}
}

type scheduleDef struct {
	id            string
	name          string
	fn            string // task identifier carried into engine events
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules (startup spread)
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Service
	store  storage.ScheduleStore
	pool   Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// synced maps stored entry names to the fingerprint of the trigger
	// registered for them.
	syncMu sync.Mutex
	synced map[string]string

	drops *dropLog

	// one-time timers (timers are runtime; onceAt/onceTimeout are persistent definitions)
	tmu         sync.Mutex
	timers      map[string]*time.Timer
	onceAt      map[string]time.Time
	onceTimeout map[string]time.Duration
	onceJob     map[string]func(ctx context.Context) error
	onceFunc    map[string]string
	onceVer     map[string]uint64
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Func    string        `json:"func,omitempty"`
	Spec    string        `json:"spec"`
	Stored  bool          `json:"stored"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`

	// Executor diagnostics (task engine).
	Workers          int            `json:"workers"`
	InFlight         int            `json:"in_flight"`
	QueueLen         int            `json:"queue_len"`
	QueueCap         int            `json:"queue_cap"`
	Dropped          uint64         `json:"dropped"`
	DroppedQueueFull uint64         `json:"dropped_queue_full"`
	DroppedStale     uint64         `json:"dropped_stale"`
	DefaultTimeout   time.Duration  `json:"default_timeout"`
	MaxQueueDelay    time.Duration  `json:"max_queue_delay"`
	RetryMax         int            `json:"retry_max"`
	RetryBase        time.Duration  `json:"retry_base"`
	RetryMaxDelay    time.Duration  `json:"retry_max_delay"`
	RetryJitter      float64        `json:"retry_jitter"`
	CircuitOpen      int            `json:"circuit_open"`
	Schedules        []ScheduleInfo `json:"schedules"`
	Once             []ScheduleInfo `json:"once,omitempty"`
	History          []HistoryItem  `json:"history"`
}
