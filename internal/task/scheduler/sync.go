package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"invtasks/internal/storage"
	logx "invtasks/pkg/logx"
)

// Trigger is the runtime form of a stored schedule entry: either a cron spec
// or a single run at At.
type Trigger struct {
	Spec string
	Once bool
	At   time.Time
}

// TriggerSpec maps an entry's schedule type to a trigger. Calendar types
// anchor on NextRun when it is set (daily at NextRun's time of day, and so on)
// and fall back to the cron descriptors otherwise.
func TriggerSpec(e storage.ScheduleEntry) (Trigger, error) {
	n := e.NextRun
	anchored := !n.IsZero()
	switch e.ScheduleType {
	case storage.ScheduleOnce:
		at := n
		if at.IsZero() {
			at = time.Now()
		}
		return Trigger{Once: true, At: at}, nil
	case storage.ScheduleMinutes:
		if e.Minutes <= 0 {
			return Trigger{}, fmt.Errorf("schedule %q: minutes must be > 0", e.Name)
		}
		return Trigger{Spec: fmt.Sprintf("@every %s", time.Duration(e.Minutes)*time.Minute)}, nil
	case storage.ScheduleHourly:
		if anchored {
			return Trigger{Spec: fmt.Sprintf("%d * * * *", n.Minute())}, nil
		}
		return Trigger{Spec: "@hourly"}, nil
	case storage.ScheduleDaily:
		if anchored {
			return Trigger{Spec: fmt.Sprintf("%d %d * * *", n.Minute(), n.Hour())}, nil
		}
		return Trigger{Spec: "@daily"}, nil
	case storage.ScheduleWeekly:
		if anchored {
			return Trigger{Spec: fmt.Sprintf("%d %d * * %d", n.Minute(), n.Hour(), int(n.Weekday()))}, nil
		}
		return Trigger{Spec: "@weekly"}, nil
	case storage.ScheduleMonthly:
		if anchored {
			return Trigger{Spec: fmt.Sprintf("%d %d %d * *", n.Minute(), n.Hour(), n.Day())}, nil
		}
		return Trigger{Spec: "@monthly"}, nil
	case storage.ScheduleQuarterly:
		if anchored {
			m := int(n.Month())
			months := fmt.Sprintf("%d,%d,%d,%d", quarterMonth(m, 0), quarterMonth(m, 3), quarterMonth(m, 6), quarterMonth(m, 9))
			return Trigger{Spec: fmt.Sprintf("%d %d %d %s *", n.Minute(), n.Hour(), n.Day(), months)}, nil
		}
		return Trigger{Spec: "0 0 1 1,4,7,10 *"}, nil
	case storage.ScheduleYearly:
		if anchored {
			return Trigger{Spec: fmt.Sprintf("%d %d %d %d *", n.Minute(), n.Hour(), n.Day(), int(n.Month()))}, nil
		}
		return Trigger{Spec: "@yearly"}, nil
	case storage.ScheduleCron:
		if e.Cron == "" {
			return Trigger{}, fmt.Errorf("schedule %q: cron expression required", e.Name)
		}
		return Trigger{Spec: e.Cron}, nil
	default:
		return Trigger{}, fmt.Errorf("schedule %q: unknown schedule type %q", e.Name, e.ScheduleType)
	}
}

func quarterMonth(m, offset int) int {
	return (m-1+offset)%12 + 1
}

// storedFunc labels trigger runs of a stored entry so their results are not
// mistaken for runs of the entry's task.
func storedFunc(name string) string { return "schedule:" + name }

func fingerprint(e storage.ScheduleEntry, t Trigger) string {
	if t.Once {
		return fmt.Sprintf("once|%d|%s", t.At.UnixMilli(), e.Func)
	}
	return fmt.Sprintf("%s|%s", t.Spec, e.Func)
}

// Sync reconciles stored schedule entries into triggers. New or changed
// entries are (re)registered, entries that left the store are unregistered.
func (s *Service) Sync(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	entries, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	seen := make(map[string]bool, len(entries))
	added := 0
	for _, e := range entries {
		seen[e.Name] = true
		t, err := TriggerSpec(e)
		if err != nil {
			s.log.Warn("stored schedule skipped", logx.String("name", e.Name), logx.Err(err))
			continue
		}
		fp := fingerprint(e, t)
		if s.synced[e.Name] == fp {
			continue
		}
		if t.Once {
			_, err = s.addOnce(e.Name, storedFunc(e.Name), t.At, 0, s.storedJob(e.Name))
		} else {
			_, err = s.add(scheduleDef{
				id:   "store:" + e.Name,
				name: e.Name,
				fn:   storedFunc(e.Name),
				spec: t.Spec,
				job:  s.storedJob(e.Name),
				opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
			})
		}
		if err != nil {
			s.log.Warn("stored schedule skipped", logx.String("name", e.Name), logx.Err(err))
			continue
		}
		s.synced[e.Name] = fp
		added++
	}

	removed := 0
	for name := range s.synced {
		if seen[name] {
			continue
		}
		s.Remove(name)
		delete(s.synced, name)
		removed++
	}
	if added > 0 || removed > 0 {
		s.log.Info("stored schedules synced", logx.Int("registered", added), logx.Int("removed", removed), logx.Int("total", len(s.synced)))
	}
	return nil
}

// RunSync calls Sync every interval until ctx is done.
func (s *Service) RunSync(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultSyncEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, storage.ErrNotReady) {
				s.log.Debug("schedule sync skipped - store not ready")
			} else {
				s.log.Warn("schedule sync failed", logx.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// storedJob spends one repeat of the entry and submits its task to the pool.
// The trigger is dropped once the store reports the budget exhausted or the
// entry gone.
func (s *Service) storedJob(name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		e, err := s.store.GetSchedule(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			s.forgetStored(name)
			return nil
		}
		if err != nil {
			return err
		}
		remaining, ok, err := s.store.ConsumeRepeat(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			s.forgetStored(name)
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			s.forgetStored(name)
			return nil
		}
		if remaining == 0 {
			s.forgetStored(name)
		}
		if s.pool == nil {
			return errors.New("no worker pool attached")
		}
		if err := s.pool.Submit(ctx, e.Func, e.Args); err != nil {
			return fmt.Errorf("submit %s: %w", e.Func, err)
		}
		return nil
	}
}

func (s *Service) forgetStored(name string) {
	s.syncMu.Lock()
	delete(s.synced, name)
	s.syncMu.Unlock()
	s.Remove(name)
	s.log.Debug("stored schedule exhausted", logx.String("name", name))
}
