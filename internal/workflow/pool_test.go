package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intQueue(n int) *TaskQueue[int] {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return NewTaskQueue(items, func(i int) string { return fmt.Sprintf("item-%d", i) })
}

func TestRunPool_ConcurrencyCeiling(t *testing.T) {
	var inFlight, peak int64

	queue := intQueue(10)
	handler := func(ctx context.Context, task Task[int]) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return task.Payload * 2, nil
	}

	results := RunPool(context.Background(), queue, handler, PoolOptions{MaxConcurrent: 3}, nil)

	require.Len(t, results, 10)
	for i := 0; i < 10; i++ {
		res := results[fmt.Sprintf("item-%d", i)]
		assert.NoError(t, res.Err)
		assert.Equal(t, i*2, res.Value)
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Greater(t, atomic.LoadInt64(&peak), int64(1), "pool should actually run tasks in parallel")
}

func TestRunPool_RetriesTransientThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)

	queue := intQueue(5)
	handler := func(ctx context.Context, task Task[int]) (string, error) {
		mu.Lock()
		calls[task.ID]++
		n := calls[task.ID]
		mu.Unlock()

		// item-3 needs three attempts, everything else passes first try
		if task.ID == "item-3" && n < 3 {
			return "", Transient(errors.New("upstream hiccup"))
		}
		return "ok", nil
	}

	results := RunPool(context.Background(), queue, handler,
		PoolOptions{MaxConcurrent: 2, MaxAttempts: 3, RetryDelay: time.Millisecond}, nil)

	require.Len(t, results, 5)
	for id, res := range results {
		assert.NoError(t, res.Err, id)
		assert.Equal(t, "ok", res.Value)
	}
	assert.Equal(t, 3, results["item-3"].Attempts)
	assert.Equal(t, 1, results["item-0"].Attempts)
}

func TestRunPool_TransientExhaustionKeepsLastError(t *testing.T) {
	queue := intQueue(1)
	boom := Transient(errors.New("still down"))
	handler := func(ctx context.Context, task Task[int]) (int, error) {
		return 0, boom
	}

	results := RunPool(context.Background(), queue, handler,
		PoolOptions{MaxConcurrent: 1, MaxAttempts: 3}, nil)

	res := results["item-0"]
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 3, res.Attempts)
}

func TestRunPool_FatalErrorDoesNotRetry(t *testing.T) {
	var calls int64
	queue := intQueue(1)
	handler := func(ctx context.Context, task Task[int]) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 0, Fatal(errors.New("bad payload"))
	}

	results := RunPool(context.Background(), queue, handler,
		PoolOptions{MaxConcurrent: 1, MaxAttempts: 5}, nil)

	assert.Error(t, results["item-0"].Err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRunPool_PerItemTimeoutIsolated(t *testing.T) {
	queue := intQueue(4)
	handler := func(ctx context.Context, task Task[int]) (string, error) {
		if task.ID == "item-2" {
			// Hangs until the per-item timeout fires
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done", nil
	}

	start := time.Now()
	results := RunPool(context.Background(), queue, handler,
		PoolOptions{MaxConcurrent: 4, PerItemTimeout: 30 * time.Millisecond, MaxAttempts: 2}, nil)
	elapsed := time.Since(start)

	// The stuck item burns its retry budget; siblings are untouched.
	res := results["item-2"]
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 2, res.Attempts)
	for _, id := range []string{"item-0", "item-1", "item-3"} {
		assert.NoError(t, results[id].Err, id)
		assert.Equal(t, "done", results[id].Value)
	}
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestRunPool_CancellationStopsAdmissionAndInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	queue := intQueue(8)
	handler := func(ctx context.Context, task Task[int]) (int, error) {
		<-ctx.Done()
		// Hold the slot briefly so waiting tasks drain through the
		// cancellation branch rather than a freed slot.
		time.Sleep(50 * time.Millisecond)
		return 0, ctx.Err()
	}

	go func() {
		// Let the first slots fill, then pull the plug.
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := RunPool(ctx, queue, handler, PoolOptions{MaxConcurrent: 2}, nil)

	require.Len(t, results, 8)
	admitted, rejected := 0, 0
	for id, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled, id)
		switch res.Attempts {
		case 1:
			admitted++
		case 0:
			rejected++
		default:
			t.Fatalf("unexpected attempt count %d for %s", res.Attempts, id)
		}
	}
	// The occupied slots each saw one handler call; tasks turned away at
	// admission report zero attempts.
	assert.Equal(t, 2, admitted)
	assert.Equal(t, 6, rejected)
	assert.Less(t, time.Since(start), time.Second, "cancellation must unblock waiting tasks promptly")
}

func TestRunPool_OnDoneSeesEveryTask(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	queue := intQueue(6)
	handler := func(ctx context.Context, task Task[int]) (int, error) {
		if task.Payload%2 == 0 {
			return 0, Fatal(errors.New("even is bad"))
		}
		return task.Payload, nil
	}

	RunPool(context.Background(), queue, handler, PoolOptions{MaxConcurrent: 3},
		func(id string, res PoolResult[int]) {
			mu.Lock()
			seen[id]++
			mu.Unlock()
		})

	require.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
