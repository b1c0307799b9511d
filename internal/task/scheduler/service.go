package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"invtasks/internal/task/engine"
	logx "invtasks/pkg/logx"
)

// cronFields accepts five-field specs, an optional leading seconds field,
// and descriptors such as @daily or @every 5m.
const cronFields = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// New returns a stopped trigger service that runs its triggers on eng.
func New(cfg Config, eng *engine.Service, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		engine:      eng,
		parser:      cron.NewParser(cronFields),
		synced:      map[string]string{},
		drops:       newDropLog(dropWarnEvery),
		timers:      map[string]*time.Timer{},
		onceAt:      map[string]time.Time{},
		onceTimeout: map[string]time.Duration{},
		onceJob:     map[string]func(ctx context.Context) error{},
		onceFunc:    map[string]string{},
		onceVer:     map[string]uint64{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running service whose timezone changed rebuilds
// its cron runner so calendar triggers fire in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.restartLocked()
	}
}

// Start registers every trigger definition with a fresh cron runner and
// re-arms pending once timers. Starting twice is a no-op.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		d := &s.defs[i]
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("trigger not registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.rebuildOnceTimersLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop halts the cron runner, waiting for in-flight trigger callbacks until
// ctx ends, and disarms once timers. Once definitions are kept for the next
// Start.
func (s *Service) Stop(ctx context.Context) {
	began := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("trigger service stop timed out", logx.Err(ctx.Err()))
		}
	}

	s.tmu.Lock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.tmu.Unlock()

	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(began)))
}
