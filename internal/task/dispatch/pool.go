package dispatch

import (
	"context"
	"errors"
	"fmt"

	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	"invtasks/internal/task/taskerr"
)

// ErrNotImportable is returned by a Pool that cannot find the task it was
// asked to run.
var ErrNotImportable = errors.New("task not importable")

// Pool accepts a task identifier for asynchronous execution.
type Pool interface {
	Submit(ctx context.Context, identifier string, args registry.Args) error
}

// Enqueuer is satisfied by *engine.Service.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Lookuper is satisfied by *registry.Registry.
type Lookuper interface {
	Lookup(identifier string) (registry.Func, bool)
}

// EnginePool submits registered tasks to the in-process engine. Identifiers
// are looked up exactly; the bare-name fallback only applies inline.
type EnginePool struct {
	Engine   Enqueuer
	Registry Lookuper
	Opt      engine.TaskOptions
}

func NewEnginePool(eng Enqueuer, reg Lookuper) *EnginePool {
	return &EnginePool{Engine: eng, Registry: reg}
}

func (p *EnginePool) Submit(ctx context.Context, identifier string, args registry.Args) error {
	if p == nil || p.Engine == nil {
		return taskerr.Wrap(taskerr.KindWorkerSubmission, identifier, engine.ErrStopped)
	}
	var (
		fn registry.Func
		ok bool
	)
	if p.Registry != nil {
		fn, ok = p.Registry.Lookup(identifier)
	}
	if !ok || fn == nil {
		return taskerr.Wrap(taskerr.KindWorkerSubmission, identifier, ErrNotImportable)
	}
	err := p.Engine.Enqueue(engine.Task{
		Name: identifier,
		Func: identifier,
		Opt:  p.Opt,
		Run: func(ctx context.Context) error {
			return fn(ctx, args)
		},
	})
	if err != nil {
		return taskerr.Wrap(taskerr.KindWorkerSubmission, identifier, fmt.Errorf("enqueue: %w", err))
	}
	return nil
}
