package storage

import (
	"context"
	"time"
)

// ScheduleStore persists schedule entries.
type ScheduleStore interface {
	ScheduleExists(ctx context.Context, name string) (bool, error)
	// UpsertSchedule creates the entry or overwrites every field of the
	// existing entry with the same name.
	UpsertSchedule(ctx context.Context, e ScheduleEntry) error
	GetSchedule(ctx context.Context, name string) (ScheduleEntry, error)
	ListSchedules(ctx context.Context) ([]ScheduleEntry, error)
	// ConsumeRepeat spends one run from the entry's repeat budget.
	// Entries with RepeatForever are left untouched. An entry whose budget
	// reaches zero is deleted. ok reports whether the caller may run it.
	ConsumeRepeat(ctx context.Context, name string) (remaining int, ok bool, err error)
	DeleteSchedule(ctx context.Context, name string) error
}

// ResultReader is the read side used by the heartbeat probe.
type ResultReader interface {
	// LastSuccess returns the start time of the newest successful run of fn.
	LastSuccess(ctx context.Context, fn string) (time.Time, bool, error)
}

type ResultStore interface {
	ResultReader
	RecordResult(ctx context.Context, r TaskResult) error
	DeleteResults(ctx context.Context, f ResultFilter) (int64, error)
}

type ErrorLogStore interface {
	AppendErrorLog(ctx context.Context, e ErrorLog) error
	DeleteErrorLogs(ctx context.Context, before time.Time) (int64, error)
}

type SessionStore interface {
	PutSession(ctx context.Context, s Session) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

type RateStore interface {
	UpsertRates(ctx context.Context, base string, rates map[string]float64, at time.Time) error
	ListRates(ctx context.Context) ([]ExchangeRate, error)
	// DeleteRatesExcept removes every rate whose currency is not in keep.
	DeleteRatesExcept(ctx context.Context, keep []string) (int64, error)
}

type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SubscriberStore maps parts to the e-mail addresses of users who starred them.
type SubscriberStore interface {
	Subscribe(ctx context.Context, partID int64, email string) error
	Subscribers(ctx context.Context, partID int64) ([]string, error)
}

// Store aggregates every concern of a backend.
type Store interface {
	ScheduleStore
	ResultStore
	ErrorLogStore
	SessionStore
	RateStore
	SettingsStore
	SubscriberStore
	Driver() string
	Close() error
}
