package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"invtasks/internal/task/engine"
	logx "invtasks/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval task.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	// Scheduled jobs skip a trigger while the previous run is queued or in-flight.
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	return s.add(scheduleDef{
		id:      fmt.Sprintf("cron:%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
	})
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.add(scheduleDef{
		id:      fmt.Sprintf("interval:%d", time.Now().UnixNano()),
		name:    name,
		spec:    fmt.Sprintf("@every %s", every.String()),
		timeout: timeout,
		job:     job,
		opt:     opt,
	})
}

// add upserts d by name: a previous cron, interval or once schedule with the
// same name is removed first.
func (s *Service) add(d scheduleDef) (string, error) {
	if strings.TrimSpace(d.name) == "" {
		return "", errors.New("name required")
	}
	if d.job == nil {
		return "", errors.New("job required")
	}
	if d.state == nil {
		d.state = &engine.RunState{}
	}
	// Validate up front so a bad spec fails even before Start.
	if !strings.HasPrefix(strings.TrimSpace(d.spec), "@every") {
		if _, err := s.parser.Parse(d.spec); err != nil {
			return "", fmt.Errorf("invalid cron spec %q: %w", d.spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(d.name)
	s.removeOnceLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: keep definition and register when Start() runs.
		return d.name, nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		s.log.Error("trigger not registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return d.name, err
	}
	fields := []logx.Field{logx.String("name", d.name), logx.String("id", d.id), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(d.spec, 4); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return d.name, nil
}

// AddOnce runs job once at the given time. Past times fire immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.addOnce(name, "", at, timeout, job)
}

func (s *Service) addOnce(name, fn string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	// snapshot location under s.mu (also remove any cron/interval schedule with the same name)
	s.mu.Lock()
	loc := s.loc
	_ = s.removeScheduleLocked(name)
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	// bump version to ignore stale callbacks from previously scheduled timers
	ver := s.onceVer[name] + 1
	s.onceVer[name] = ver
	s.onceAt[name] = at.In(loc)
	s.onceTimeout[name] = timeout
	s.onceJob[name] = job
	s.onceFunc[name] = fn
	s.timers[name] = s.armOnceLocked(name, ver, at)
	return name, nil
}

// armOnceLocked starts the runtime timer for a once definition. Call with s.tmu held.
func (s *Service) armOnceLocked(name string, ver uint64, at time.Time) *time.Timer {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() {
		// If the task was removed or replaced, ignore this callback.
		s.tmu.Lock()
		job := s.onceJob[name]
		_, okAt := s.onceAt[name]
		if s.onceVer[name] != ver || job == nil || !okAt {
			s.tmu.Unlock()
			return
		}
		timeout := s.onceTimeout[name]
		fn := s.onceFunc[name]
		// cleanup persisted definition first (prevents double-exec on restart)
		s.forgetOnceLocked(name)
		s.tmu.Unlock()

		s.enqueue(name, fn, timeout, TaskOptions{}, &engine.RunState{}, job)
	})
}

func (s *Service) forgetOnceLocked(name string) bool {
	removed := false
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceAt[name]; ok {
		removed = true
	}
	delete(s.onceAt, name)
	delete(s.onceTimeout, name)
	delete(s.onceJob, name)
	delete(s.onceFunc, name)
	delete(s.onceVer, name)
	return removed
}

// AddDaily runs job every day at HH:MM (scheduler timezone).
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddWeekly runs job weekly at HH:MM for the given weekday (scheduler timezone).
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	spec := fmt.Sprintf("%d %d * * %d", m, h, int(weekday))
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// Remove unschedules all schedules with the given name. It returns true if something was removed.
// Safe to call even when scheduler is not started/enabled (it will still remove persisted defs).
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	if s.removeOnceLocked(name) {
		removed = true
	}
	if removed {
		s.drops.forget(name)
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnceLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.forgetOnceLocked(name)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, fn, timeout, opt, state, run := d.name, d.fn, d.timeout, d.opt, d.state, d.job
	job := cron.FuncJob(func() {
		s.enqueue(name, fn, timeout, opt, state, run)
	})

	// Startup spread applies only to interval schedules (@every ...).
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) enqueue(name, fn string, timeout time.Duration, opt TaskOptions, state *engine.RunState, run func(ctx context.Context) error) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Func:    fn,
		Timeout: timeout,
		Run:     run,
		Opt:     opt,
		State:   state,
	})
	if err != nil {
		s.triggerDropped(name, err)
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// rebuildOnceTimersLocked recreates runtime timers from the persisted once definitions.
// Call with s.mu held.
func (s *Service) rebuildOnceTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for name, runAt := range s.onceAt {
		if s.onceJob[name] == nil {
			s.forgetOnceLocked(name)
			continue
		}
		ver := s.onceVer[name]
		if ver == 0 {
			ver = 1
			s.onceVer[name] = ver
		}
		s.timers[name] = s.armOnceLocked(name, ver, runAt)
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run times
// for the given cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if s.log.IsZero() || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
