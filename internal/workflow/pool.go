package workflow

import (
	"context"
	"sync"
	"time"
)

// PoolOptions bounds one pool run. MaxConcurrent is a hard ceiling on
// simultaneously in-flight handler calls; additional tasks wait in FIFO
// order behind completed slots.
type PoolOptions struct {
	MaxConcurrent  int
	PerItemTimeout time.Duration
	MaxAttempts    int
	// RetryDelay is the pause between attempts for transient failures.
	RetryDelay time.Duration
}

func (o PoolOptions) normalized() PoolOptions {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return o
}

// PoolResult is the terminal outcome of one task: either a value or the
// error that exhausted its attempts. Attempts counts handler invocations,
// including the successful one; it is zero for a task rejected at admission
// whose handler never ran.
type PoolResult[R any] struct {
	Value    R
	Err      error
	Attempts int
}

// RunPool drains the queue through handler with bounded concurrency. Every
// queued task gets exactly one entry in the returned map, keyed by task id;
// completion order is not preserved anywhere. One task's failure never
// aborts its siblings: a fatal error or an exhausted retry budget produces
// an error result for that task only. Cancelling ctx stops admission of
// waiting tasks and ends in-flight attempts; affected tasks resolve to
// ctx.Err(), with zero attempts recorded for those never admitted.
func RunPool[T, R any](
	ctx context.Context,
	queue *TaskQueue[T],
	handler func(ctx context.Context, task Task[T]) (R, error),
	opts PoolOptions,
	onDone func(id string, res PoolResult[R]),
) map[string]PoolResult[R] {
	opts = opts.normalized()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]PoolResult[R], queue.Len())
		slots   = make(chan struct{}, opts.MaxConcurrent)
	)

	record := func(id string, res PoolResult[R]) {
		mu.Lock()
		results[id] = res
		mu.Unlock()
		if onDone != nil {
			onDone(id, res)
		}
	}

	for _, task := range queue.Tasks() {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			record(task.ID, PoolResult[R]{Err: ctx.Err()})
			continue
		}

		wg.Add(1)
		go func(task Task[T]) {
			defer wg.Done()
			defer func() { <-slots }()
			record(task.ID, runTask(ctx, task, handler, opts))
		}(task)
	}

	wg.Wait()
	return results
}

// runTask drives the attempt loop for a single task. The per-item timeout
// and pool-level cancellation compose: whichever fires first ends the
// attempt.
func runTask[T, R any](
	ctx context.Context,
	task Task[T],
	handler func(ctx context.Context, task Task[T]) (R, error),
	opts PoolOptions,
) PoolResult[R] {
	var res PoolResult[R]

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res.Attempts = attempt

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if opts.PerItemTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.PerItemTimeout)
		}
		value, err := handler(attemptCtx, task)
		cancel()

		if err == nil {
			res.Value = value
			res.Err = nil
			return res
		}
		res.Err = err

		if ctx.Err() != nil {
			// Pool-level cancellation, not a per-attempt timeout.
			res.Err = ctx.Err()
			return res
		}
		if !IsTransient(err) || attempt == opts.MaxAttempts {
			return res
		}

		if opts.RetryDelay > 0 {
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			}
		}
	}
	return res
}
