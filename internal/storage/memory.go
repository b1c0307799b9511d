package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore keeps everything in process memory.
// After Close every call fails with ErrNotReady.
type memStore struct {
	mu sync.Mutex

	closed bool

	schedules map[string]ScheduleEntry
	results   map[string]TaskResult
	errorLogs []ErrorLog
	nextLogID int64
	sessions  map[string]Session
	rates     map[string]ExchangeRate
	settings  map[string]string
	subs      map[int64]map[string]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		schedules: map[string]ScheduleEntry{},
		results:   map[string]TaskResult{},
		sessions:  map[string]Session{},
		rates:     map[string]ExchangeRate{},
		settings:  map[string]string{},
		subs:      map[int64]map[string]struct{}{},
	}
}

func (s *memStore) Driver() string { return "memory" }

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotReady
	}
	return nil
}

func (s *memStore) ScheduleExists(ctx context.Context, name string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	_, ok := s.schedules[name]
	return ok, nil
}

func (s *memStore) UpsertSchedule(ctx context.Context, e ScheduleEntry) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.schedules[e.Name] = cloneEntry(e)
	return nil
}

func (s *memStore) GetSchedule(ctx context.Context, name string) (ScheduleEntry, error) {
	if err := s.lock(); err != nil {
		return ScheduleEntry{}, err
	}
	defer s.mu.Unlock()
	e, ok := s.schedules[name]
	if !ok {
		return ScheduleEntry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *memStore) ListSchedules(ctx context.Context) ([]ScheduleEntry, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]ScheduleEntry, 0, len(s.schedules))
	for _, e := range s.schedules {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) ConsumeRepeat(ctx context.Context, name string) (int, bool, error) {
	if err := s.lock(); err != nil {
		return 0, false, err
	}
	defer s.mu.Unlock()
	e, ok := s.schedules[name]
	if !ok {
		return 0, false, ErrNotFound
	}
	remaining, run, keep := spendRepeat(e.Repeats)
	if !keep {
		delete(s.schedules, name)
		return remaining, run, nil
	}
	e.Repeats = remaining
	s.schedules[name] = e
	return remaining, run, nil
}

func (s *memStore) DeleteSchedule(ctx context.Context, name string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.schedules[name]; !ok {
		return ErrNotFound
	}
	delete(s.schedules, name)
	return nil
}

func (s *memStore) RecordResult(ctx context.Context, r TaskResult) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.results[r.ID] = r
	return nil
}

func (s *memStore) LastSuccess(ctx context.Context, fn string) (time.Time, bool, error) {
	if err := s.lock(); err != nil {
		return time.Time{}, false, err
	}
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, r := range s.results {
		if r.Func != fn || !r.Success {
			continue
		}
		if !found || r.Started.After(last) {
			last = r.Started
			found = true
		}
	}
	return last, found, nil
}

func (s *memStore) DeleteResults(ctx context.Context, f ResultFilter) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.results {
		if f.Func != "" && r.Func != f.Func {
			continue
		}
		if f.Success != nil && r.Success != *f.Success {
			continue
		}
		if !f.StartedBefore.IsZero() && !r.Started.Before(f.StartedBefore) {
			continue
		}
		delete(s.results, id)
		n++
	}
	return n, nil
}

func (s *memStore) AppendErrorLog(ctx context.Context, e ErrorLog) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.nextLogID++
	e.ID = s.nextLogID
	if e.When.IsZero() {
		e.When = time.Now()
	}
	s.errorLogs = append(s.errorLogs, e)
	return nil
}

func (s *memStore) DeleteErrorLogs(ctx context.Context, before time.Time) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	kept := s.errorLogs[:0]
	var n int64
	for _, e := range s.errorLogs {
		if e.When.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.errorLogs = kept
	return n, nil
}

func (s *memStore) PutSession(ctx context.Context, sess Session) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
	return nil
}

func (s *memStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, sess := range s.sessions {
		if sess.Expires.Before(before) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpsertRates(ctx context.Context, base string, rates map[string]float64, at time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for cur, v := range rates {
		cur = strings.ToUpper(cur)
		s.rates[cur] = ExchangeRate{Currency: cur, Base: base, Value: v, Updated: at}
	}
	return nil
}

func (s *memStore) ListRates(ctx context.Context) ([]ExchangeRate, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *memStore) DeleteRatesExcept(ctx context.Context, keep []string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(keep))
	for _, c := range keep {
		set[strings.ToUpper(c)] = struct{}{}
	}
	var n int64
	for cur := range s.rates {
		if _, ok := set[cur]; !ok {
			delete(s.rates, cur)
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memStore) SetSetting(ctx context.Context, key, value string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStore) Subscribe(ctx context.Context, partID int64, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	m := s.subs[partID]
	if m == nil {
		m = map[string]struct{}{}
		s.subs[partID] = m
	}
	m[email] = struct{}{}
	return nil
}

func (s *memStore) Subscribers(ctx context.Context, partID int64) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs[partID]))
	for e := range s.subs[partID] {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

// spendRepeat applies one run to a repeat budget.
// keep=false means the entry must be removed.
func spendRepeat(repeats int) (remaining int, run bool, keep bool) {
	switch {
	case repeats < 0:
		return repeats, true, true
	case repeats == 0:
		return 0, false, false
	default:
		remaining = repeats - 1
		return remaining, true, remaining > 0
	}
}

func cloneEntry(e ScheduleEntry) ScheduleEntry {
	if e.Args.Positional != nil {
		e.Args.Positional = append([]any(nil), e.Args.Positional...)
	}
	if e.Args.Named != nil {
		named := make(map[string]any, len(e.Args.Named))
		for k, v := range e.Args.Named {
			named[k] = v
		}
		e.Args.Named = named
	}
	return e
}
