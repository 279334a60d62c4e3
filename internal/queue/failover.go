package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/model"
)

// FailoverQueue serves from a primary backend and falls back to a
// secondary when the primary is unreachable. The switch is invisible to
// callers: no job is dropped, the error surfaces only if both backends
// fail. Jobs leased from the secondary are tracked so Complete/Fail route
// back to the backend that holds the lease.
type FailoverQueue struct {
	primary   Queue
	secondary Queue

	// leasedFrom maps job id -> backend for jobs currently leased
	// through this wrapper.
	mu         sync.Mutex
	leasedFrom map[string]Queue

	onFailover func(op string) // metrics hook
}

// NewFailover wraps a primary and secondary backend.
func NewFailover(primary, secondary Queue) *FailoverQueue {
	return &FailoverQueue{
		primary:    primary,
		secondary:  secondary,
		leasedFrom: make(map[string]Queue),
	}
}

// OnFailover registers a hook invoked with the operation name whenever
// the primary is bypassed.
func (q *FailoverQueue) OnFailover(fn func(op string)) {
	q.onFailover = fn
}

func (q *FailoverQueue) failover(op string, err error) {
	zap.L().Warn("queue: primary backend unavailable, failing over",
		zap.String("op", op),
		zap.Error(err),
	)
	if q.onFailover != nil {
		q.onFailover(op)
	}
}

func (q *FailoverQueue) Enqueue(ctx context.Context, job *model.Job) (*model.Job, error) {
	out, err := q.primary.Enqueue(ctx, job)
	if err == nil || IsSentinel(err) {
		return out, err
	}
	q.failover("enqueue", err)
	return q.secondary.Enqueue(ctx, job)
}

func (q *FailoverQueue) Dequeue(ctx context.Context, role model.JobRole, lease time.Duration) (*model.Job, error) {
	job, err := q.primary.Dequeue(ctx, role, lease)
	switch {
	case err == nil:
		q.track(job.ID, q.primary)
		return job, nil
	case eris.Is(err, ErrEmpty):
		// Primary healthy but idle: drain the secondary too, so jobs
		// enqueued during an outage are not stranded.
		job, err = q.secondary.Dequeue(ctx, role, lease)
		if err == nil {
			q.track(job.ID, q.secondary)
		}
		return job, err
	case IsSentinel(err):
		return nil, err
	default:
		q.failover("dequeue", err)
		job, err = q.secondary.Dequeue(ctx, role, lease)
		if err == nil {
			q.track(job.ID, q.secondary)
		}
		return job, err
	}
}

func (q *FailoverQueue) Complete(ctx context.Context, jobID string) error {
	err := q.backendFor(jobID).Complete(ctx, jobID)
	q.untrack(jobID)
	return err
}

func (q *FailoverQueue) Fail(ctx context.Context, jobID, cause string, retryIn time.Duration) (*model.Job, error) {
	job, err := q.backendFor(jobID).Fail(ctx, jobID, cause, retryIn)
	q.untrack(jobID)
	return job, err
}

func (q *FailoverQueue) DeadLetter(ctx context.Context, jobID, cause string) error {
	err := q.backendFor(jobID).DeadLetter(ctx, jobID, cause)
	q.untrack(jobID)
	return err
}

func (q *FailoverQueue) Cancel(ctx context.Context, jobID string) error {
	err := q.primary.Cancel(ctx, jobID)
	if err == nil || eris.Is(err, ErrNotCancellable) {
		return err
	}
	return q.secondary.Cancel(ctx, jobID)
}

func (q *FailoverQueue) Extend(ctx context.Context, jobID string, lease time.Duration) error {
	return q.backendFor(jobID).Extend(ctx, jobID, lease)
}

func (q *FailoverQueue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := q.primary.Get(ctx, jobID)
	if err == nil {
		return job, nil
	}
	return q.secondary.Get(ctx, jobID)
}

func (q *FailoverQueue) Stats(ctx context.Context) (*Stats, error) {
	merged := &Stats{
		Queued:     make(map[model.JobRole]int64),
		Processing: make(map[model.JobRole]int64),
	}
	for _, backend := range []Queue{q.primary, q.secondary} {
		stats, err := backend.Stats(ctx)
		if err != nil {
			zap.L().Warn("queue: stats from backend failed", zap.Error(err))
			continue
		}
		for role, n := range stats.Queued {
			merged.Queued[role] += n
		}
		for role, n := range stats.Processing {
			merged.Processing[role] += n
		}
		merged.DeadLetter += stats.DeadLetter
	}
	return merged, nil
}

func (q *FailoverQueue) ListDeadLetters(ctx context.Context, limit int) ([]model.Job, error) {
	out, err := q.primary.ListDeadLetters(ctx, limit)
	if err != nil {
		q.failover("list_dead_letters", err)
		out = nil
	}
	if len(out) < limit || limit <= 0 {
		more, err := q.secondary.ListDeadLetters(ctx, limit-len(out))
		if err == nil {
			out = append(out, more...)
		}
	}
	return out, nil
}

func (q *FailoverQueue) RequeueDeadLetter(ctx context.Context, jobID string) error {
	err := q.primary.RequeueDeadLetter(ctx, jobID)
	if err == nil {
		return nil
	}
	return q.secondary.RequeueDeadLetter(ctx, jobID)
}

func (q *FailoverQueue) Close() error {
	err1 := q.primary.Close()
	err2 := q.secondary.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (q *FailoverQueue) track(jobID string, backend Queue) {
	q.mu.Lock()
	q.leasedFrom[jobID] = backend
	q.mu.Unlock()
}

func (q *FailoverQueue) untrack(jobID string) {
	q.mu.Lock()
	delete(q.leasedFrom, jobID)
	q.mu.Unlock()
}

// backendFor returns the backend holding the job's lease, defaulting to
// the primary (a restarted process loses the in-memory map; the primary
// is then tried first and Get falls through on ErrNotFound).
func (q *FailoverQueue) backendFor(jobID string) Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if backend, ok := q.leasedFrom[jobID]; ok {
		return backend
	}
	return q.primary
}
