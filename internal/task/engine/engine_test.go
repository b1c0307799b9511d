package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invtasks/internal/eventbus"
	"invtasks/internal/storage"
	logx "invtasks/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for task event")
		return eventbus.Event{}
	}
}

func TestRunningFollowsLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)

	s.Start(context.Background())
	assert.True(t, s.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Running())
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	s.Start(context.Background())
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	ch, unsub := bus.Subscribe(8, EventFinished, EventFailed)
	defer unsub()

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Func: "inventree.tasks.flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	e := waitEvent(t, ch)
	require.Equal(t, EventFinished, e.Type)
	ev := e.Data.(TaskEvent)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, "inventree.tasks.flaky", ev.Func)
	assert.NotEmpty(t, ev.ID)
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 5})
	ch, unsub := bus.Subscribe(8, EventFailed)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{
		Name: "permanent",
		Run:  func(context.Context) error { return NoRetry(errors.New("bad input")) },
	}))
	ev := waitEvent(t, ch).Data.(TaskEvent)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, "bad input", ev.Error)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1})
	ch, unsub := bus.Subscribe(8, EventFailed)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "explode", Run: func(context.Context) error { panic("kaboom") }}))
	ev := waitEvent(t, ch).Data.(TaskEvent)
	assert.Contains(t, ev.Error, "kaboom")
	assert.True(t, s.Running(), "a panicking task must not kill the engine")
}

func TestCircuitOpensAfterTrip(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1, CircuitTripFailures: 1, CircuitOpenFor: time.Minute})
	ch, unsub := bus.Subscribe(8, EventFailed)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "downstream", Run: func(context.Context) error { return errors.New("503") }}))
	waitEvent(t, ch)

	err := s.Enqueue(Task{Name: "downstream", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CircuitOpen)
}

func TestCircuitSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1, CircuitTripFailures: 2, CircuitOpenFor: time.Minute})
	ch, unsub := bus.Subscribe(8, EventFinished, EventFailed)
	defer unsub()

	fail := func(context.Context) error { return errors.New("503") }
	ok := func(context.Context) error { return nil }

	for i, run := range []func(context.Context) error{fail, ok, fail} {
		require.NoError(t, s.Enqueue(Task{Name: "downstream", Run: run}), "run %d", i)
		waitEvent(t, ch)
	}

	require.NoError(t, s.Enqueue(Task{Name: "downstream", Run: ok}), "a success in between keeps the circuit closed")
	assert.Equal(t, EventFinished, waitEvent(t, ch).Type)
	assert.Equal(t, 0, s.Snapshot().CircuitOpen)
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{
		Name: "slow",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))
	<-started
	err := s.Enqueue(Task{Name: "slow", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	close(release)
}

func TestRecorderPersistsResults(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1})
	store := storage.NewMemory()
	rec := NewRecorder(bus, store, store, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rec.Run(ctx) }()

	// Give the recorder time to subscribe before publishing.
	require.Eventually(t, func() bool {
		_ = s.Enqueue(Task{Name: "hb", Func: "inventree.tasks.heartbeat", Run: func(context.Context) error { return nil }})
		_, ok, err := store.LastSuccess(context.Background(), "inventree.tasks.heartbeat")
		return err == nil && ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Enqueue(Task{Name: "bad", Func: "inventree.tasks.bad", Run: func(context.Context) error { return errors.New("nope") }}))
	require.Eventually(t, func() bool {
		n, err := store.DeleteErrorLogs(context.Background(), time.Now().Add(time.Hour))
		return err == nil && n > 0
	}, 3*time.Second, 20*time.Millisecond)

	_, ok, err := store.LastSuccess(context.Background(), "inventree.tasks.bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackoffDelayRespectsBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond, RetryJitter: 0.0001}
	assert.InDelta(t, float64(100*time.Millisecond), float64(backoffDelay(opt, 1, nil)), float64(time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(backoffDelay(opt, 2, nil)), float64(time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, backoffDelay(opt, 5, nil))

	hinted := RetryAfter(errors.New("429"), time.Hour)
	assert.Equal(t, 300*time.Millisecond, backoffDelayWithHint(opt, 1, hinted, nil))
}
