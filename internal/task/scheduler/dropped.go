package scheduler

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"invtasks/internal/task/engine"
	logx "invtasks/pkg/logx"
)

// dropWarnEvery is the minimum gap between two warnings for one trigger.
const dropWarnEvery = 5 * time.Second

// dropLog hands out one token bucket per trigger name.
type dropLog struct {
	mu    sync.Mutex
	every time.Duration
	lim   map[string]*rate.Limiter
}

func newDropLog(every time.Duration) *dropLog {
	return &dropLog{every: every, lim: map[string]*rate.Limiter{}}
}

func (d *dropLog) allow(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.lim[name]
	if l == nil {
		l = rate.NewLimiter(rate.Every(d.every), 1)
		d.lim[name] = l
	}
	return l.Allow()
}

func (d *dropLog) forget(name string) {
	d.mu.Lock()
	delete(d.lim, name)
	d.mu.Unlock()
}

// triggerDropped logs a trigger run the engine would not take. Overlap and
// open-circuit refusals are routine; anything else (queue full, shutdown)
// warns at most once per dropWarnEvery per trigger.
func (s *Service) triggerDropped(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
		s.log.Debug("trigger run dropped", logx.String("schedule", name), logx.Err(err))
		return
	}
	if s.drops.allow(name) {
		s.log.Warn("trigger run dropped - engine refused task", logx.String("schedule", name), logx.Err(err))
	}
}
