// Package dispatch offloads one-off tasks to the worker pool, or runs them
// inline when no pool is available.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"invtasks/internal/lifecycle"
	"invtasks/internal/task/probe"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

// Resolver is satisfied by *registry.Resolver.
type Resolver interface {
	Resolve(identifier string) (registry.Func, error)
}

type Dispatcher struct {
	Resolver Resolver
	Probe    probe.Probe
	Pool     Pool
	Gate     *lifecycle.Gate
	Log      logx.Logger
}

func New(res Resolver, p probe.Probe, pool Pool, gate *lifecycle.Gate, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{Resolver: res, Probe: p, Pool: pool, Gate: gate, Log: log}
}

type options struct {
	forceSync bool
}

type Option func(*options)

// ForceSync runs the task inline even when a worker pool is available.
func ForceSync() Option { return func(o *options) { o.forceSync = true } }

// Dispatch runs identifier once.
//
// When the pool is available (and ForceSync is not given) the task is
// submitted and Dispatch returns without waiting; a failed submission is
// logged and dropped. Otherwise the task is resolved and called in the
// calling goroutine, and its error is returned unchanged. Resolution
// failures are logged by the resolver and yield nil.
func (d *Dispatcher) Dispatch(ctx context.Context, identifier string, args registry.Args, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := d.logger()
	if !d.Gate.Ready() {
		log.Warn("could not offload task - app registry not ready", logx.String("task", identifier))
		return nil
	}

	if !o.forceSync && d.available(ctx) {
		d.submit(ctx, log, identifier, args)
		return nil
	}

	if d.Resolver == nil {
		log.Warn(fmt.Sprintf("'%s' not started - no resolver", identifier), logx.String("task", identifier))
		return nil
	}
	fn, err := d.Resolver.Resolve(identifier)
	if err != nil {
		return nil
	}
	log.Debug("running task inline", logx.String("task", identifier), logx.Bool("force_sync", o.forceSync))
	return fn(ctx, args)
}

func (d *Dispatcher) available(ctx context.Context) bool {
	return d.Probe != nil && d.Probe.Available(ctx)
}

func (d *Dispatcher) submit(ctx context.Context, log logx.Logger, identifier string, args registry.Args) {
	if d.Pool == nil {
		log.Warn(fmt.Sprintf("'%s' not started - no worker pool", identifier), logx.String("task", identifier))
		return
	}
	err := d.Pool.Submit(ctx, identifier, args)
	switch {
	case err == nil:
		log.Debug("task offloaded", logx.String("task", identifier))
	case errors.Is(err, ErrNotImportable):
		log.Warn(fmt.Sprintf("'%s' not started - Function not found", identifier), logx.String("task", identifier))
	default:
		log.Warn(fmt.Sprintf("'%s' not started - %v", identifier, err), logx.String("task", identifier), logx.Err(err))
	}
}

func (d *Dispatcher) logger() logx.Logger {
	if d.Log.IsZero() {
		return logx.Nop()
	}
	return d.Log
}
