// Package app wires configuration, storage, the task engine, the scheduler,
// the dispatcher, the job bodies and the ops server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"invtasks/internal/config"
	"invtasks/internal/eventbus"
	"invtasks/internal/jobs"
	"invtasks/internal/lifecycle"
	"invtasks/internal/ops"
	"invtasks/internal/runtime/supervisor"
	"invtasks/internal/storage"
	"invtasks/internal/task/dispatch"
	"invtasks/internal/task/engine"
	"invtasks/internal/task/probe"
	"invtasks/internal/task/registry"
	"invtasks/internal/task/scheduler"
	logx "invtasks/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	gate  *lifecycle.Gate

	engine   *engine.Service
	recorder *engine.Recorder
	reg      *registry.Registry
	jobs     *jobs.Jobs
	probe    probe.Probe
	disp     *dispatch.Dispatcher
	schedule *scheduler.Scheduler
	triggers *scheduler.Service
	ops      *ops.Server
}

// New loads the config, opens storage and builds every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", store.Driver()))
	} else {
		appLog.Warn("storage disabled; schedules and task results are not persisted")
	}

	a := &App{
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
		gate:  lifecycle.NewGate(false),
		reg:   registry.New(),
	}
	if err := a.build(cfg, log); err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	engCfg, _ := mapTaskEngineConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	probeCfg, _ := mapProbeConfig(cfg)
	jobsCfg, httpTimeout, _ := mapJobsConfig(cfg)

	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	if a.store != nil {
		a.recorder = engine.NewRecorder(a.bus, a.store, a.store, log.With(logx.String("comp", "recorder")))
	}

	j, err := jobs.Register(a.reg, jobs.Deps{
		Config: jobsCfg,
		Store:  a.store,
		Gate:   a.gate,
		HTTP:   jobs.NewHTTPClient("jobs", httpTimeout),
		Log:    log.With(logx.String("comp", "jobs")),
	})
	if err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	a.jobs = j

	var results storage.ResultReader
	if a.store != nil {
		results = a.store
	}
	a.probe = probe.FromConfig(probeCfg, probe.Deps{Engine: a.engine, Results: results})

	pool := dispatch.NewEnginePool(a.engine, a.reg)
	a.disp = dispatch.New(
		registry.NewResolver(a.reg, log.With(logx.String("comp", "resolver"))),
		a.probe, pool, a.gate,
		log.With(logx.String("comp", "dispatch")),
	)
	a.jobs.SetDispatcher(a.disp)

	var schedules storage.ScheduleStore
	if a.store != nil {
		schedules = a.store
	}
	schedLog := log.With(logx.String("comp", "scheduler"))
	a.schedule = scheduler.NewScheduler(schedules, a.gate, schedLog)
	var opts []scheduler.Option
	if schedules != nil {
		opts = append(opts, scheduler.WithStore(schedules, pool))
	}
	a.triggers = scheduler.New(schedCfg, a.engine, schedLog, opts...)

	a.ops = ops.New(ops.Deps{
		Scheduler:  a.triggers,
		Engine:     a.engine,
		Registry:   a.reg,
		Dispatcher: a.disp,
		Gate:       a.gate,
	}, log)
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Registry() *registry.Registry { return a.reg }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the engine, marks the app ready, upserts the default
// schedules and starts triggers, sync, ops and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	if a.recorder != nil {
		a.sup.Go("task.recorder", a.recorder.Run)
	}
	if a.engine.Enabled() {
		a.engine.Start(run)
	}

	a.gate.MarkReady()

	if cfg.Scheduler.DefaultsEnabled() {
		jobs.ScheduleDefaults(run, a.schedule)
	}
	if a.triggers.Enabled() {
		a.triggers.Start(run)
	}
	if a.store != nil {
		schedCfg, _ := mapSchedulerConfig(cfg)
		a.sup.Go("scheduler.sync", func(c context.Context) error {
			return a.triggers.RunSync(c, schedCfg.SyncEvery)
		})
	}

	opsCfg, _ := mapOpsConfig(cfg)
	a.ops.Apply(run, opsCfg)

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("tasks", len(a.reg.Identifiers())),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// drainLatest coalesces bursts: only the newest queued config is applied.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies a committed reload to the running components.
// Storage and worker probe changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "worker" {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// The engine starts or stops itself on Apply. The scheduler stops
	// before and starts after it.
	prevSched := a.triggers.Enabled()
	schedCfg, schedErr := mapSchedulerConfig(newCfg)
	if schedErr != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(schedErr))
	} else {
		a.triggers.Apply(schedCfg)
	}
	if prevSched && !a.triggers.Enabled() {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.triggers.Stop(stopCtx)
		cancel()
	}
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	if !prevSched && a.triggers.Enabled() {
		a.log.Info("scheduler enabled via config")
		a.triggers.Start(ctx)
	}

	if jobsCfg, _, err := mapJobsConfig(newCfg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.jobs.Apply(jobsCfg)
	}
	if opsCfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Apply(ctx, opsCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Dispatch offloads identifier, or runs it inline when sync is set.
func (a *App) Dispatch(ctx context.Context, identifier string, args registry.Args, sync bool) error {
	var opts []dispatch.Option
	if sync {
		opts = append(opts, dispatch.ForceSync())
	}
	return a.disp.Dispatch(ctx, identifier, args, opts...)
}

// WaitIdle blocks until the engine queue is empty and nothing is running.
func (a *App) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		snap := a.engine.Snapshot()
		if !snap.Running || (snap.QueueLen == 0 && snap.InFlight == 0) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Refuse new work before anything is torn down.
	a.gate.MarkNotReady()
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("probe", time.Second, func(context.Context) error {
		if cl, ok := a.probe.(interface{ Close() }); ok {
			cl.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
