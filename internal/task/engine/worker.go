package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "invtasks/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, t, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track && qt.state != nil {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}
	t := qt.task

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, t, queueDelay)
		s.appendHistory(cfg, HistoryItem{ID: t.ID, Name: t.Name, Func: t.Func, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	// The breaker admits at most one probe run while half-open.
	var done func(error)
	if cb := s.breakerFor(t.Name, cfg, qt.opt); cb != nil {
		d, err := cb.Allow()
		if err != nil {
			s.publish(EventSkipped, start, TaskEvent{ID: t.ID, Name: t.Name, Func: t.Func, Started: start, QueueDelay: queueDelay, Error: "circuit_open"})
			s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("id", t.ID))
			s.appendHistory(cfg, HistoryItem{ID: t.ID, Name: t.Name, Func: t.Func, Started: start, QueueDelay: queueDelay, Error: "circuit_open"})
			return
		}
		done = d
	}

	s.log.Debug("task.started", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Func: t.Func, Started: start, QueueDelay: queueDelay})

	attempts, err := s.runWithRetries(ctx, stopCh, qt, rng)

	// Breaker sees the final result, after retries.
	if done != nil {
		done(err)
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Func: t.Func, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Func: t.Func, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(EventFailed, time.Now(), ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish(EventFinished, time.Now(), ev)
	}

	s.appendHistory(cfg, item)
}

func (s *Service) runWithRetries(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + qt.opt.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil {
			return attempts, nil
		}
		// Tasks can mark failures as non-retryable.
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempts, perm.error
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
	return attempts, err
}

// runOnce converts panics to errors so one bad task can't kill a worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := ra.RetryAfter()
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return jitter(d, opt.RetryJitter, maxD, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(d, opt.RetryJitter, maxD, rng)
}

func jitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
