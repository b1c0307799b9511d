package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"invtasks/internal/lifecycle"
	"invtasks/internal/storage"
	"invtasks/internal/task/registry"
	"invtasks/internal/task/taskerr"
	logx "invtasks/pkg/logx"
)

// ScheduleConfig holds the scheduling parameters of a named entry.
//
// An empty Type stores a once-off entry; Repeats nil means "repeat forever".
// Type-specific fields are not checked here: an entry the trigger mapping
// cannot use is reported when the store is synced.
type ScheduleConfig struct {
	Type    string
	Minutes int
	Cron    string
	NextRun time.Time
	Repeats *int `validate:"omitempty,gte=-1"`
	Args    registry.Args
}

// Repeat returns a Repeats value for ScheduleConfig literals.
func Repeat(n int) *int { return &n }

var validate = validator.New()

// Validate rejects a repeat count below -1 (forever).
func (c ScheduleConfig) Validate() error {
	return validate.Struct(c)
}

// Scheduler registers named entries in the schedule store.
type Scheduler struct {
	store storage.ScheduleStore
	gate  *lifecycle.Gate
	log   logx.Logger
}

// NewScheduler returns a Scheduler writing to store. A nil store is treated
// as permanently not ready.
func NewScheduler(store storage.ScheduleStore, gate *lifecycle.Gate, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{store: store, gate: gate, log: log}
}

// Schedule creates the entry name, or overwrites every field of the existing
// one. The entry's task identifier is name itself.
//
// A store that is not ready turns the call into a logged no-op; Schedule never
// reports failure to the caller.
func (s *Scheduler) Schedule(ctx context.Context, name string, cfg ScheduleConfig) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.log.Warn("could not schedule task - name required")
		return
	}
	if s.store == nil || !s.gate.Ready() {
		s.log.Info("could not start background tasks - app registry not ready", logx.String("task", name))
		return
	}
	if err := cfg.Validate(); err != nil {
		s.log.Warn("could not schedule task - invalid repeats", logx.String("task", name), logx.Err(err))
		return
	}
	if cfg.Type == "" {
		cfg.Type = storage.ScheduleOnce
	}

	repeats := storage.RepeatForever
	if cfg.Repeats != nil {
		repeats = *cfg.Repeats
	}
	entry := storage.ScheduleEntry{
		Name:         name,
		Func:         name,
		ScheduleType: cfg.Type,
		Minutes:      cfg.Minutes,
		Cron:         cfg.Cron,
		NextRun:      cfg.NextRun,
		Repeats:      repeats,
		Args:         cfg.Args,
	}

	exists, err := s.store.ScheduleExists(ctx, name)
	if err != nil {
		s.storeFailed(name, err)
		return
	}
	if exists {
		s.log.Debug("scheduled task already exists - updating", logx.String("task", name))
	} else {
		s.log.Info("creating scheduled task", logx.String("task", name))
	}
	if err := s.store.UpsertSchedule(ctx, entry); err != nil {
		s.storeFailed(name, err)
	}
}

func (s *Scheduler) storeFailed(name string, err error) {
	if errors.Is(err, storage.ErrNotReady) {
		err = taskerr.Wrap(taskerr.KindStoreNotReady, name, err)
		s.log.Debug("schedule store not ready", logx.String("task", name), logx.Err(err))
		return
	}
	s.log.Warn("could not schedule task", logx.String("task", name), logx.Err(err))
}
