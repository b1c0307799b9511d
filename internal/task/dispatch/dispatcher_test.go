package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invtasks/internal/eventbus"
	"invtasks/internal/lifecycle"
	"invtasks/internal/task/engine"
	"invtasks/internal/task/probe"
	"invtasks/internal/task/registry"
	"invtasks/internal/task/taskerr"
	logx "invtasks/pkg/logx"
)

type countingResolver struct {
	calls atomic.Int32
	fn    registry.Func
	err   error
}

func (r *countingResolver) Resolve(string) (registry.Func, error) {
	r.calls.Add(1)
	return r.fn, r.err
}

type countingPool struct {
	calls atomic.Int32
	last  string
	err   error
}

func (p *countingPool) Submit(_ context.Context, identifier string, _ registry.Args) error {
	p.calls.Add(1)
	p.last = identifier
	return p.err
}

type countingProbe struct {
	calls atomic.Int32
	up    bool
}

func (p *countingProbe) Available(context.Context) bool {
	p.calls.Add(1)
	return p.up
}

func inlineCounter(n *atomic.Int32) registry.Func {
	return func(context.Context, registry.Args) error {
		n.Add(1)
		return nil
	}
}

func warnings(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		if m["level"] == "warn" {
			out = append(out, m["message"].(string))
		}
	}
	return out
}

func TestForceSyncRunsInline(t *testing.T) {
	t.Parallel()
	var inline atomic.Int32
	res := &countingResolver{fn: inlineCounter(&inline)}
	pool := &countingPool{}
	d := New(res, &countingProbe{up: true}, pool, nil, logx.Nop())

	require.NoError(t, d.Dispatch(context.Background(), "notify.mail.send_mail", registry.Args{}, ForceSync()))
	assert.EqualValues(t, 1, inline.Load())
	assert.Zero(t, pool.calls.Load())
}

func TestUnavailableWorkerRunsInlineOnce(t *testing.T) {
	t.Parallel()
	var inline atomic.Int32
	res := &countingResolver{fn: inlineCounter(&inline)}
	pool := &countingPool{}
	pr := &countingProbe{up: false}
	d := New(res, pr, pool, nil, logx.Nop())

	require.NoError(t, d.Dispatch(context.Background(), "a.b.c", registry.NewArgs(1)))
	assert.EqualValues(t, 1, inline.Load())
	assert.EqualValues(t, 1, res.calls.Load())
	assert.EqualValues(t, 1, pr.calls.Load())
	assert.Zero(t, pool.calls.Load())
}

func TestAvailableWorkerSubmitsOnce(t *testing.T) {
	t.Parallel()
	var inline atomic.Int32
	res := &countingResolver{fn: inlineCounter(&inline)}
	pool := &countingPool{}
	d := New(res, probe.Static(true), pool, nil, logx.Nop())

	require.NoError(t, d.Dispatch(context.Background(), "a.b.c", registry.Args{}))
	assert.EqualValues(t, 1, pool.calls.Load())
	assert.Equal(t, "a.b.c", pool.last)
	assert.Zero(t, res.calls.Load(), "resolver is not consulted on the async path")
	assert.Zero(t, inline.Load())
}

func TestSubmissionFailureDoesNotFallBack(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		err  error
		want string
	}{
		"not importable": {err: taskerr.Wrap(taskerr.KindWorkerSubmission, "a.b.c", ErrNotImportable), want: "'a.b.c' not started - Function not found"},
		"queue full":     {err: engine.ErrQueueFull, want: "'a.b.c' not started - " + engine.ErrQueueFull.Error()},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			var inline atomic.Int32
			res := &countingResolver{fn: inlineCounter(&inline)}
			d := New(res, probe.Static(true), &countingPool{err: tc.err}, nil, logx.NewJSON(&buf, "debug"))

			require.NoError(t, d.Dispatch(context.Background(), "a.b.c", registry.Args{}))
			assert.Zero(t, inline.Load())
			assert.Zero(t, res.calls.Load())
			assert.Equal(t, []string{tc.want}, warnings(t, &buf))
		})
	}
}

func TestResolutionFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	res := &countingResolver{err: taskerr.New(taskerr.KindFunctionNotFound, "pkg.mod.missingFn", "No function named 'missingFn'")}
	pool := &countingPool{}
	d := New(res, probe.Static(false), pool, nil, logx.Nop())

	assert.NoError(t, d.Dispatch(context.Background(), "pkg.mod.missingFn", registry.Args{}))
	assert.EqualValues(t, 1, res.calls.Load())
	assert.Zero(t, pool.calls.Load())
}

func TestRegistryMissingFunctionIsLoggedNotRun(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var inline atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.RegisterModule("pkg.mod", map[string]registry.Func{"other": inlineCounter(&inline)}))
	pool := &countingPool{}
	d := New(registry.NewResolver(reg, logx.NewJSON(&buf, "debug")), probe.Static(false), pool, nil, logx.NewJSON(&buf, "debug"))

	require.NoError(t, d.Dispatch(context.Background(), "pkg.mod.missingFn", registry.Args{}))
	assert.Equal(t, []string{"'pkg.mod.missingFn' not started - No function named 'missingFn'"}, warnings(t, &buf))
	assert.Zero(t, inline.Load())
	assert.Zero(t, pool.calls.Load())
}

func TestInlineErrorIsReturnedUnchanged(t *testing.T) {
	t.Parallel()
	boom := errors.New("smtp down")
	res := &countingResolver{fn: func(context.Context, registry.Args) error { return boom }}
	d := New(res, nil, nil, nil, logx.Nop())

	err := d.Dispatch(context.Background(), "notify.mail.send_mail", registry.Args{})
	assert.Same(t, boom, err)
}

func TestInlinePanicPropagates(t *testing.T) {
	t.Parallel()
	res := &countingResolver{fn: func(context.Context, registry.Args) error { panic("boom") }}
	d := New(res, probe.Static(false), nil, nil, logx.Nop())
	assert.Panics(t, func() { _ = d.Dispatch(context.Background(), "a.b.c", registry.Args{}) })
}

func TestGateNotReadyWarnsAndReturns(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	res := &countingResolver{}
	pool := &countingPool{}
	d := New(res, probe.Static(true), pool, lifecycle.NewGate(false), logx.NewJSON(&buf, "debug"))

	require.NoError(t, d.Dispatch(context.Background(), "a.b.c", registry.Args{}, ForceSync()))
	assert.Zero(t, res.calls.Load())
	assert.Zero(t, pool.calls.Load())
	assert.Equal(t, []string{"could not offload task - app registry not ready"}, warnings(t, &buf))
}

func TestEnginePoolSubmitsRegisteredTasks(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, RetryMax: -1}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	reg := registry.New()
	got := make(chan string, 1)
	require.NoError(t, reg.Register("notify.mail.send_mail", func(_ context.Context, args registry.Args) error {
		got <- args.String(0)
		return nil
	}))
	require.NoError(t, reg.RegisterScope("scoped", func(context.Context, registry.Args) error { return nil }))
	pool := NewEnginePool(eng, reg)

	require.NoError(t, pool.Submit(context.Background(), "notify.mail.send_mail", registry.NewArgs("hello")))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task did not run")
	}

	err := pool.Submit(context.Background(), "notify.mail.scoped", registry.Args{})
	assert.ErrorIs(t, err, ErrNotImportable, "bare names are not importable by the pool")
	assert.ErrorIs(t, err, taskerr.ErrWorkerSubmission)
}

func TestEnginePoolStoppedEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	reg := registry.New()
	require.NoError(t, reg.Register("a.b.c", func(context.Context, registry.Args) error { return nil }))

	err := NewEnginePool(eng, reg).Submit(context.Background(), "a.b.c", registry.Args{})
	assert.ErrorIs(t, err, engine.ErrStopped)
	assert.False(t, errors.Is(err, ErrNotImportable))
}
