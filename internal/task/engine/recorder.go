package engine

import (
	"context"
	"time"

	"invtasks/internal/eventbus"
	"invtasks/internal/storage"
	logx "invtasks/pkg/logx"
)

// ResultSink persists finished runs.
type ResultSink interface {
	RecordResult(ctx context.Context, r storage.TaskResult) error
}

// ErrorSink receives one error log per failed run. Optional.
type ErrorSink interface {
	AppendErrorLog(ctx context.Context, e storage.ErrorLog) error
}

// Recorder turns task.finished / task.failed events into task results.
type Recorder struct {
	bus    eventbus.Bus
	sink   ResultSink
	errors ErrorSink
	log    logx.Logger
}

func NewRecorder(bus eventbus.Bus, sink ResultSink, errs ErrorSink, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{bus: bus, sink: sink, errors: errs, log: log}
}

// Run consumes events until ctx is canceled.
func (r *Recorder) Run(ctx context.Context) error {
	if r == nil || r.bus == nil || r.sink == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := r.bus.Subscribe(256, EventFinished, EventFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(TaskEvent)
	if !ok {
		return
	}
	res := resultFromEvent(e.Type, ev)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.RecordResult(wctx, res); err != nil {
		r.log.Debug("task result not recorded", logx.String("task", res.Name), logx.Err(err))
	}
	if res.Success || r.errors == nil {
		return
	}
	if err := r.errors.AppendErrorLog(wctx, storage.ErrorLog{
		When:     res.Stopped,
		Category: "task:" + res.Func,
		Info:     res.Error,
		Data:     res.ID,
	}); err != nil {
		r.log.Debug("task error log not recorded", logx.String("task", res.Name), logx.Err(err))
	}
}

func resultFromEvent(typ string, ev TaskEvent) storage.TaskResult {
	fn := ev.Func
	if fn == "" {
		fn = ev.Name
	}
	return storage.TaskResult{
		ID:       ev.ID,
		Name:     ev.Name,
		Func:     fn,
		Started:  ev.Started,
		Stopped:  ev.Started.Add(ev.Duration),
		Success:  typ == EventFinished && ev.Error == "",
		Attempts: ev.Attempts,
		Error:    ev.Error,
	}
}
