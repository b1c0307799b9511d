package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"invtasks/internal/storage"
)

type fakeRunner bool

func (f fakeRunner) Running() bool { return bool(f) }

type fakeResults struct {
	last time.Time
	ok   bool
	err  error
}

func (f fakeResults) LastSuccess(context.Context, string) (time.Time, bool, error) {
	return f.last, f.ok, f.err
}

var _ storage.ResultReader = fakeResults{}

func TestEngineProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.True(t, Engine(fakeRunner(true)).Available(ctx))
	assert.False(t, Engine(fakeRunner(false)).Available(ctx))
	assert.False(t, Engine(nil).Available(ctx))
}

func TestHeartbeatProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		res  fakeResults
		want bool
	}{
		{"recent", fakeResults{last: now.Add(-5 * time.Minute), ok: true}, true},
		{"stale", fakeResults{last: now.Add(-11 * time.Minute), ok: true}, false},
		{"never", fakeResults{}, false},
		{"store error", fakeResults{last: now, ok: true, err: errors.New("db down")}, false},
	}
	for _, tc := range cases {
		p := Heartbeat(tc.res, "inventree.tasks.heartbeat", 0)
		p.now = func() time.Time { return now }
		assert.Equal(t, tc.want, p.Available(ctx), tc.name)
	}
}

func TestAnyAndStatic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	calls := 0
	counting := Func(func(context.Context) bool { calls++; return false })

	assert.True(t, Any(counting, Static(true), nil).Available(ctx))
	assert.Equal(t, 1, calls)
	assert.False(t, Any().Available(ctx))
	assert.False(t, Func(nil).Available(ctx))
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	deps := Deps{Engine: fakeRunner(false), Results: fakeResults{last: time.Now(), ok: true}}

	assert.False(t, FromConfig(Config{Mode: "engine"}, deps).Available(ctx))
	assert.True(t, FromConfig(Config{Mode: "engine,heartbeat", HeartbeatFunc: "inventree.tasks.heartbeat"}, deps).Available(ctx))
	assert.False(t, FromConfig(Config{Mode: "none"}, Deps{Engine: fakeRunner(true)}).Available(ctx))
	assert.True(t, FromConfig(Config{}, Deps{Engine: fakeRunner(true)}).Available(ctx))
}
