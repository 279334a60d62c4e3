package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/model"
)

func testJob(role model.JobRole, tenant, key string, priority model.Priority) *model.Job {
	return NewJob(role, tenant, key, priority, []byte(`{"comment_id":"c-`+key+`"}`), 3)
}

func TestMemoryEnqueueDequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	in := testJob(model.RoleAnalysis, "t1", "k1", model.PriorityNormal)
	enqueued, err := q.Enqueue(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, enqueued.ID)
	assert.Equal(t, model.JobStatusQueued, enqueued.Status)

	out, err := q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, out.ID)
	assert.Equal(t, model.JobStatusProcessing, out.Status)
	require.NotNil(t, out.LeaseExpiresAt)

	// The lease makes the job invisible to other consumers.
	_, err = q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Complete(ctx, out.ID))
	final, err := q.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
}

func TestMemoryPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	low, err := q.Enqueue(ctx, testJob(model.RoleReply, "t1", "low", model.PriorityLow))
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, testJob(model.RoleReply, "t1", "n1", model.PriorityNormal))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, testJob(model.RoleReply, "t1", "n2", model.PriorityNormal))
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, testJob(model.RoleReply, "t1", "high", model.PriorityHigh))
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		job, err := q.Dequeue(ctx, model.RoleReply, time.Minute)
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high.ID, first.ID, second.ID, low.ID}, order)
}

func TestMemoryIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	payload := []byte(`{"comment_id":"c1"}`)
	original, err := q.Enqueue(ctx, NewJob(model.RoleAnalysis, "t1", "k1", model.PriorityNormal, payload, 3))
	require.NoError(t, err)

	// Same key, same payload: no-op returning the original job.
	dup, err := q.Enqueue(ctx, NewJob(model.RoleAnalysis, "t1", "k1", model.PriorityNormal, payload, 3))
	require.NoError(t, err)
	assert.Equal(t, original.ID, dup.ID)

	// Same key, divergent payload: integrity violation.
	_, err = q.Enqueue(ctx, NewJob(model.RoleAnalysis, "t1", "k1", model.PriorityNormal, []byte(`{"comment_id":"other"}`), 3))
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	// Same key under another tenant is a distinct job.
	other, err := q.Enqueue(ctx, NewJob(model.RoleAnalysis, "t2", "k1", model.PriorityNormal, payload, 3))
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, other.ID)
}

func TestMemoryConcurrentDuplicateEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()
	payload := []byte(`{"comment_id":"c1"}`)

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := q.Enqueue(ctx, NewJob(model.RoleAnalysis, "t1", "shared", model.PriorityNormal, payload, 3))
			require.NoError(t, err)
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued[model.RoleAnalysis])
}

func TestMemoryLeaseExpiryReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.nowFunc = func() time.Time { return now }

	enqueued, err := q.Enqueue(ctx, testJob(model.RoleFetch, "t1", "k1", model.PriorityNormal))
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, model.RoleFetch, time.Minute)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, model.RoleFetch, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	// Past the lease expiry the job is redelivered.
	now = now.Add(2 * time.Minute)
	reclaimed, err := q.Dequeue(ctx, model.RoleFetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, reclaimed.ID)
}

func TestMemoryExtendKeepsLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.nowFunc = func() time.Time { return now }

	_, err := q.Enqueue(ctx, testJob(model.RoleFetch, "t1", "k1", model.PriorityNormal))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, model.RoleFetch, time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, q.Extend(ctx, job.ID, time.Minute))

	// Original lease would have expired here; the extension holds it.
	now = now.Add(30 * time.Second)
	_, err = q.Dequeue(ctx, model.RoleFetch, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryFailRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.nowFunc = func() time.Time { return now }

	enqueued, err := q.Enqueue(ctx, testJob(model.RoleReply, "t1", "k1", model.PriorityNormal))
	require.NoError(t, err)
	require.Equal(t, 3, enqueued.MaxAttempts)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx, model.RoleReply, time.Minute)
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, enqueued.ID, job.ID)

		failed, err := q.Fail(ctx, job.ID, "provider 503", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, attempt, failed.Attempt)

		if attempt < 3 {
			assert.Equal(t, model.JobStatusQueued, failed.Status)
			// Not redeliverable before the backoff elapses.
			_, err = q.Dequeue(ctx, model.RoleReply, time.Minute)
			assert.ErrorIs(t, err, ErrEmpty)
			now = now.Add(11 * time.Second)
		} else {
			assert.Equal(t, model.JobStatusDeadLetter, failed.Status)
		}
	}

	dead, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, enqueued.ID, dead[0].ID)
	assert.Equal(t, "provider 503", dead[0].LastError)

	// Requeue resets the attempt budget.
	require.NoError(t, q.RequeueDeadLetter(ctx, enqueued.ID))
	job, err := q.Dequeue(ctx, model.RoleReply, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, job.Attempt)

	dead, err = q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestMemoryRetryGoesBehindNewerJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	retried, err := q.Enqueue(ctx, testJob(model.RoleAnalysis, "t1", "retried", model.PriorityNormal))
	require.NoError(t, err)
	out, err := q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	require.NoError(t, err)
	_, err = q.Fail(ctx, out.ID, "provider down", 0)
	require.NoError(t, err)

	newer, err := q.Enqueue(ctx, testJob(model.RoleAnalysis, "t1", "newer", model.PriorityNormal))
	require.NoError(t, err)

	// A promoted retry re-enters at the back of its priority band, the
	// same ordering the redis backend applies.
	first, err := q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, first.ID)
	second, err := q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, retried.ID, second.ID)
}

func TestMemoryCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	enqueued, err := q.Enqueue(ctx, testJob(model.RoleAnalysis, "t1", "k1", model.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, enqueued.ID))
	_, err = q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	// Cancelling twice, or cancelling a leased job, is rejected.
	assert.ErrorIs(t, q.Cancel(ctx, enqueued.ID), ErrNotCancellable)

	leased, err := q.Enqueue(ctx, testJob(model.RoleAnalysis, "t1", "k2", model.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, leased.ID), ErrNotCancellable)

	assert.ErrorIs(t, q.Cancel(ctx, "missing"), ErrNotFound)
}

func TestMemoryStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	for i, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, testJob(model.RoleAnalysis, "t1", key, model.Priority(i%2)))
		require.NoError(t, err)
	}
	_, err := q.Dequeue(ctx, model.RoleAnalysis, time.Minute)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Queued[model.RoleAnalysis])
	assert.Equal(t, int64(1), stats.Processing[model.RoleAnalysis])
	assert.Equal(t, int64(0), stats.DeadLetter)
}
