package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invtasks/internal/storage"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

type submission struct {
	identifier string
	args       registry.Args
}

type fakePool struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (p *fakePool) Submit(_ context.Context, identifier string, args registry.Args) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subs = append(p.subs, submission{identifier: identifier, args: args})
	return nil
}

func (p *fakePool) submitted() []submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]submission(nil), p.subs...)
}

func (s *Service) jobFor(t *testing.T, name string) func(context.Context) error {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return d.job
		}
	}
	t.Fatalf("no trigger registered for %q", name)
	return nil
}

func TestTriggerSpec(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, time.February, 10, 3, 15, 0, 0, time.UTC) // Saturday
	cases := []struct {
		name  string
		entry storage.ScheduleEntry
		spec  string
	}{
		{name: "minutes", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleMinutes, Minutes: 5}, spec: "@every 5m0s"},
		{name: "hourly", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleHourly}, spec: "@hourly"},
		{name: "hourly anchored", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleHourly, NextRun: anchor}, spec: "15 * * * *"},
		{name: "daily", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleDaily}, spec: "@daily"},
		{name: "daily anchored", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleDaily, NextRun: anchor}, spec: "15 3 * * *"},
		{name: "weekly anchored", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleWeekly, NextRun: anchor}, spec: "15 3 * * 6"},
		{name: "monthly anchored", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleMonthly, NextRun: anchor}, spec: "15 3 10 * *"},
		{name: "quarterly", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleQuarterly}, spec: "0 0 1 1,4,7,10 *"},
		{name: "quarterly anchored", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleQuarterly, NextRun: anchor}, spec: "15 3 10 2,5,8,11 *"},
		{name: "yearly anchored", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleYearly, NextRun: anchor}, spec: "15 3 10 2 *"},
		{name: "cron", entry: storage.ScheduleEntry{ScheduleType: storage.ScheduleCron, Cron: "*/10 * * * *"}, spec: "*/10 * * * *"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := TriggerSpec(tc.entry)
			require.NoError(t, err)
			assert.False(t, got.Once)
			assert.Equal(t, tc.spec, got.Spec)
		})
	}

	once, err := TriggerSpec(storage.ScheduleEntry{ScheduleType: storage.ScheduleOnce, NextRun: anchor})
	require.NoError(t, err)
	assert.True(t, once.Once)
	assert.True(t, once.At.Equal(anchor))

	for _, bad := range []storage.ScheduleEntry{
		{ScheduleType: storage.ScheduleMinutes},
		{ScheduleType: storage.ScheduleCron},
		{ScheduleType: "Z"},
	} {
		_, err := TriggerSpec(bad)
		assert.Error(t, err, "type %q", bad.ScheduleType)
	}
}

func TestSyncRegistersAndRemovesStoredEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	s := New(Config{Enabled: true}, nil, logx.Nop(), WithStore(store, &fakePool{}))

	require.NoError(t, store.UpsertSchedule(ctx, storage.ScheduleEntry{Name: "a.b.hourly", Func: "a.b.hourly", ScheduleType: storage.ScheduleHourly, Repeats: -1}))
	require.NoError(t, store.UpsertSchedule(ctx, storage.ScheduleEntry{Name: "a.b.daily", Func: "a.b.daily", ScheduleType: storage.ScheduleDaily, Repeats: -1}))
	require.NoError(t, store.UpsertSchedule(ctx, storage.ScheduleEntry{Name: "a.b.broken", Func: "a.b.broken", ScheduleType: "Z", Repeats: -1}))
	require.NoError(t, s.Sync(ctx))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 2)
	specs := map[string]string{}
	for _, it := range snap.Schedules {
		assert.True(t, it.Stored)
		specs[it.Name] = it.Spec
	}
	assert.Equal(t, map[string]string{"a.b.hourly": "@hourly", "a.b.daily": "@daily"}, specs)

	// A changed entry is re-registered in place; a deleted one is dropped.
	require.NoError(t, store.UpsertSchedule(ctx, storage.ScheduleEntry{Name: "a.b.daily", Func: "a.b.daily", ScheduleType: storage.ScheduleCron, Cron: "0 4 * * *", Repeats: -1}))
	require.NoError(t, store.DeleteSchedule(ctx, "a.b.hourly"))
	require.NoError(t, s.Sync(ctx))

	snap = s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "a.b.daily", snap.Schedules[0].Name)
	assert.Equal(t, "0 4 * * *", snap.Schedules[0].Spec)
}

func TestStoredJobConsumesRepeatsAndSubmits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	s := New(Config{Enabled: true}, nil, logx.Nop(), WithStore(store, pool))

	require.NoError(t, store.UpsertSchedule(ctx, storage.ScheduleEntry{
		Name: "notify.mail.digest", Func: "notify.mail.send_mail", ScheduleType: storage.ScheduleDaily, Repeats: 2,
		Args: registry.NewArgs("subject"),
	}))
	require.NoError(t, s.Sync(ctx))
	job := s.jobFor(t, "notify.mail.digest")

	require.NoError(t, job(ctx))
	got, err := store.GetSchedule(ctx, "notify.mail.digest")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Repeats)

	require.NoError(t, job(ctx))
	exists, err := store.ScheduleExists(ctx, "notify.mail.digest")
	require.NoError(t, err)
	assert.False(t, exists, "exhausted entry is deleted")
	assert.Empty(t, s.Snapshot().Schedules, "exhausted trigger is unregistered")

	subs := pool.submitted()
	require.Len(t, subs, 2)
	assert.Equal(t, "notify.mail.send_mail", subs[0].identifier)
	assert.Equal(t, "subject", subs[0].args.String(0))

	// The trigger may still fire once more before removal takes effect.
	require.NoError(t, job(ctx))
	assert.Len(t, pool.submitted(), 2)
}

func TestStoredJobSurfacesSubmitFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{err: errors.New("queue full")}
	s := New(Config{}, nil, logx.Nop(), WithStore(store, pool))

	require.NoError(t, store.UpsertSchedule(ctx, storage.ScheduleEntry{Name: "a.b.c", Func: "a.b.c", ScheduleType: storage.ScheduleHourly, Repeats: -1}))
	require.NoError(t, s.Sync(ctx))
	err := s.jobFor(t, "a.b.c")(ctx)
	assert.ErrorContains(t, err, "queue full")
}

func TestSyncWithoutStoreIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	assert.NoError(t, s.Sync(context.Background()))
}

func TestRunSyncStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	require.NoError(t, store.UpsertSchedule(context.Background(), storage.ScheduleEntry{Name: "a.b.c", Func: "a.b.c", ScheduleType: storage.ScheduleDaily, Repeats: -1}))
	s := New(Config{}, nil, logx.Nop(), WithStore(store, &fakePool{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunSync(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(s.Snapshot().Schedules) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSync did not stop")
	}
}
