// Package probe answers one question: is an asynchronous worker pool
// available right now? Every implementation fails toward false so callers
// fall back to running work inline.
package probe

import (
	"context"
	"time"

	"invtasks/internal/storage"
)

type Probe interface {
	Available(ctx context.Context) bool
}

// Func adapts a function to Probe.
type Func func(ctx context.Context) bool

func (f Func) Available(ctx context.Context) bool {
	if f == nil {
		return false
	}
	return f(ctx)
}

// Static always reports v.
type Static bool

func (s Static) Available(context.Context) bool { return bool(s) }

// Runner is satisfied by the in-process engine.
type Runner interface {
	Running() bool
}

type engineProbe struct{ r Runner }

// Engine reports whether the in-process worker pool is running.
func Engine(r Runner) Probe { return engineProbe{r: r} }

func (p engineProbe) Available(context.Context) bool {
	return p.r != nil && p.r.Running()
}

// DefaultHeartbeatWindow is how recent the last successful heartbeat must be.
const DefaultHeartbeatWindow = 10 * time.Minute

// HeartbeatProbe treats a recent successful heartbeat run as proof that
// a worker cluster (possibly another process) is consuming tasks.
type HeartbeatProbe struct {
	results storage.ResultReader
	fn      string
	window  time.Duration
	now     func() time.Time
}

func Heartbeat(results storage.ResultReader, fn string, window time.Duration) *HeartbeatProbe {
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	return &HeartbeatProbe{results: results, fn: fn, window: window, now: time.Now}
}

func (p *HeartbeatProbe) Available(ctx context.Context) bool {
	if p == nil || p.results == nil || p.fn == "" {
		return false
	}
	last, ok, err := p.results.LastSuccess(ctx, p.fn)
	if err != nil || !ok {
		return false
	}
	return p.now().Sub(last) <= p.window
}

type anyProbe []Probe

// Any reports true when any probe does, checking in order.
func Any(probes ...Probe) Probe {
	out := make(anyProbe, 0, len(probes))
	for _, p := range probes {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (a anyProbe) Available(ctx context.Context) bool {
	for _, p := range a {
		if p.Available(ctx) {
			return true
		}
	}
	return false
}

// Close releases any member probe holding a connection.
func (a anyProbe) Close() {
	for _, p := range a {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
