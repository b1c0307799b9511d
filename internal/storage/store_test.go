package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func TestUpsertOverwritesEveryField(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first := ScheduleEntry{
			Name: "inventree.tasks.heartbeat", Func: "inventree.tasks.heartbeat",
			ScheduleType: ScheduleMinutes, Minutes: 5, Cron: "ignored",
			NextRun: time.UnixMilli(1_700_000_000_000), Repeats: 5,
			Args: registry.NewArgs("a").With("k", "v"),
		}
		second := ScheduleEntry{
			Name: "inventree.tasks.heartbeat", Func: "inventree.tasks.heartbeat",
			ScheduleType: ScheduleDaily, Repeats: 10,
		}

		exists, err := st.ScheduleExists(ctx, first.Name)
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, st.UpsertSchedule(ctx, first))
		require.NoError(t, st.UpsertSchedule(ctx, second))

		all, err := st.ListSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		got := all[0]
		assert.Equal(t, ScheduleDaily, got.ScheduleType)
		assert.Equal(t, 10, got.Repeats)
		assert.Zero(t, got.Minutes)
		assert.Empty(t, got.Cron)
		assert.True(t, got.NextRun.IsZero())
		assert.Empty(t, got.Args.Positional)
		assert.Empty(t, got.Args.Named)
	})
}

func TestScheduleArgsRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		e := ScheduleEntry{
			Name: "mail", Func: "notify.mail.send_mail", ScheduleType: ScheduleOnce, Repeats: 1,
			Args: registry.NewArgs("subject", "body").With("fail_silently", true),
		}
		require.NoError(t, st.UpsertSchedule(ctx, e))
		got, err := st.GetSchedule(ctx, "mail")
		require.NoError(t, err)
		assert.Equal(t, "subject", got.Args.String(0))
		assert.True(t, got.Args.NamedBool("fail_silently"))

		_, err = st.GetSchedule(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeRepeat(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.UpsertSchedule(ctx, ScheduleEntry{Name: "forever", Func: "a.b.c", ScheduleType: ScheduleHourly, Repeats: RepeatForever}))
		require.NoError(t, st.UpsertSchedule(ctx, ScheduleEntry{Name: "twice", Func: "a.b.c", ScheduleType: ScheduleHourly, Repeats: 2}))

		remaining, ok, err := st.ConsumeRepeat(ctx, "forever")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, RepeatForever, remaining)

		remaining, ok, err = st.ConsumeRepeat(ctx, "twice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, remaining)

		remaining, ok, err = st.ConsumeRepeat(ctx, "twice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, remaining)

		exists, err := st.ScheduleExists(ctx, "twice")
		require.NoError(t, err)
		assert.False(t, exists, "exhausted entry must be deleted")

		_, _, err = st.ConsumeRepeat(ctx, "twice")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResultsAndPruning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		old := now.Add(-time.Hour)
		ok := true

		require.NoError(t, st.RecordResult(ctx, TaskResult{ID: "1", Name: "hb", Func: "inventree.tasks.heartbeat", Started: old, Stopped: old, Success: true, Attempts: 1}))
		require.NoError(t, st.RecordResult(ctx, TaskResult{ID: "2", Name: "hb", Func: "inventree.tasks.heartbeat", Started: now, Stopped: now, Success: true, Attempts: 1}))
		require.NoError(t, st.RecordResult(ctx, TaskResult{ID: "3", Name: "hb", Func: "inventree.tasks.heartbeat", Started: now.Add(time.Minute), Success: false, Error: "boom"}))

		last, found, err := st.LastSuccess(ctx, "inventree.tasks.heartbeat")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, last.Equal(now))

		n, err := st.DeleteResults(ctx, ResultFilter{Func: "inventree.tasks.heartbeat", Success: &ok, StartedBefore: now.Add(-30 * time.Minute)})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, found, err = st.LastSuccess(ctx, "other.mod.fn")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestSessionsLogsRatesSettings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, st.PutSession(ctx, Session{Key: "old", Data: "{}", Expires: now.Add(-48 * time.Hour)}))
		require.NoError(t, st.PutSession(ctx, Session{Key: "fresh", Data: "{}", Expires: now.Add(time.Hour)}))
		n, err := st.DeleteExpiredSessions(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		require.NoError(t, st.AppendErrorLog(ctx, ErrorLog{When: now.AddDate(0, 0, -31), Category: "task", Info: "old"}))
		require.NoError(t, st.AppendErrorLog(ctx, ErrorLog{When: now, Category: "task", Info: "new"}))
		n, err = st.DeleteErrorLogs(ctx, now.AddDate(0, 0, -30))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		require.NoError(t, st.UpsertRates(ctx, "USD", map[string]float64{"eur": 0.9, "GBP": 0.8, "JPY": 150}, now))
		n, err = st.DeleteRatesExcept(ctx, []string{"EUR", "gbp"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		rates, err := st.ListRates(ctx)
		require.NoError(t, err)
		require.Len(t, rates, 2)
		assert.Equal(t, "EUR", rates[0].Currency)
		assert.Equal(t, "USD", rates[0].Base)

		_, found, err := st.GetSetting(ctx, "INVENTREE_LATEST_VERSION")
		require.NoError(t, err)
		assert.False(t, found)
		require.NoError(t, st.SetSetting(ctx, "INVENTREE_LATEST_VERSION", "0.1.0"))
		require.NoError(t, st.SetSetting(ctx, "INVENTREE_LATEST_VERSION", "0.2.0"))
		v, found, err := st.GetSetting(ctx, "INVENTREE_LATEST_VERSION")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "0.2.0", v)

		require.NoError(t, st.Subscribe(ctx, 7, "b@example.com"))
		require.NoError(t, st.Subscribe(ctx, 7, "a@example.com"))
		require.NoError(t, st.Subscribe(ctx, 7, "a@example.com"))
		subs, err := st.Subscribers(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, subs)
	})
}

func TestClosedStoreIsNotReady(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		require.NoError(t, st.Close())
		_, err := st.ScheduleExists(context.Background(), "x")
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertSchedule(ctx, ScheduleEntry{Name: "a", Func: "a.b.c", ScheduleType: ScheduleDaily, Repeats: 3}))
	require.NoError(t, st.UpsertSchedule(ctx, ScheduleEntry{Name: "gone", Func: "a.b.c", ScheduleType: ScheduleDaily, Repeats: 1}))
	_, _, err = st.ConsumeRepeat(ctx, "a")
	require.NoError(t, err)
	_, _, err = st.ConsumeRepeat(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, st.SetSetting(ctx, "k", "v"))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	all, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Repeats)
	v, _, err := st.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b IN ($2,$3)", rebindDollar("SELECT 1 WHERE a = ? AND b IN (?,?)"))
}
