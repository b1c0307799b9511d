package storage

import (
	"errors"
	"time"

	"invtasks/internal/task/registry"
)

var (
	// ErrNotReady means the backing store cannot serve requests yet
	// (closed, unreachable, or schema not migrated).
	ErrNotReady = errors.New("storage not ready")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on exit
//   - "file": memory plus a JSON snapshot/journal for schedules and settings
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// Schedule types.
const (
	ScheduleOnce      = "O"
	ScheduleMinutes   = "I"
	ScheduleHourly    = "H"
	ScheduleDaily     = "D"
	ScheduleWeekly    = "W"
	ScheduleMonthly   = "M"
	ScheduleQuarterly = "Q"
	ScheduleYearly    = "Y"
	ScheduleCron      = "C"
)

// RepeatForever is the Repeats value of an entry that never expires.
const RepeatForever = -1

// ScheduleEntry is one persisted recurring task definition.
// Name is unique; Func is the task identifier run on each trigger.
type ScheduleEntry struct {
	Name         string        `json:"name"`
	Func         string        `json:"func"`
	ScheduleType string        `json:"schedule_type"`
	Minutes      int           `json:"minutes,omitempty"`
	Cron         string        `json:"cron,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	Repeats      int           `json:"repeats"`
	Args         registry.Args `json:"args"`
}

// TaskResult is one finished task execution.
type TaskResult struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Func     string    `json:"func"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped"`
	Success  bool      `json:"success"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// ResultFilter selects task results for deletion.
// Zero fields do not filter.
type ResultFilter struct {
	Func          string
	Success       *bool
	StartedBefore time.Time
}

type ErrorLog struct {
	ID       int64     `json:"id"`
	When     time.Time `json:"when"`
	Category string    `json:"category"`
	Info     string    `json:"info"`
	Data     string    `json:"data,omitempty"`
}

type Session struct {
	Key     string    `json:"key"`
	Data    string    `json:"data"`
	Expires time.Time `json:"expires"`
}

type ExchangeRate struct {
	Currency string    `json:"currency"`
	Base     string    `json:"base"`
	Value    float64   `json:"value"`
	Updated  time.Time `json:"updated"`
}

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
