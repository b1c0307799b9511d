package scheduler

import (
	"sort"
	"time"

	"invtasks/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	s.syncMu.Lock()
	stored := make(map[string]bool, len(s.synced))
	for name := range s.synced {
		stored[name] = true
	}
	s.syncMu.Unlock()

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Func: d.fn, Spec: d.spec, Timeout: d.timeout, Stored: stored[d.name]}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.tmu.Lock()
	once := make([]ScheduleInfo, 0, len(s.onceAt))
	for name, at := range s.onceAt {
		once = append(once, ScheduleInfo{Name: name, Func: s.onceFunc[name], Spec: "once", Timeout: s.onceTimeout[name], Next: at, Stored: stored[name]})
	}
	s.tmu.Unlock()
	sort.Slice(once, func(i, j int) bool { return once[i].Name < once[j].Name })

	snap := Snapshot{
		Enabled:   enabled,
		Timezone:  tz,
		Schedules: items,
		Once:      once,
		History:   []HistoryItem{},
	}
	retryMax := 0
	if eng != nil {
		es := eng.Snapshot()
		snap.Workers = es.Workers
		snap.InFlight = es.InFlight
		snap.QueueLen = es.QueueLen
		snap.QueueCap = es.QueueCap
		snap.Dropped = es.Dropped
		snap.DroppedQueueFull = es.DroppedQueueFull
		snap.DroppedStale = es.DroppedStale
		snap.DefaultTimeout = es.DefaultTimeout
		snap.MaxQueueDelay = es.MaxQueueDelay
		snap.CircuitOpen = es.CircuitOpen
		snap.History = es.History
		retryMax = es.RetryMax
	}

	// Surface effective retry defaults used by the executor.
	opt := engine.DefaultTaskOptions(engine.Config{RetryMax: retryMax})
	snap.RetryMax = opt.RetryMax
	snap.RetryBase = opt.RetryBase
	snap.RetryMaxDelay = opt.RetryMaxDelay
	snap.RetryJitter = opt.RetryJitter
	return snap
}
