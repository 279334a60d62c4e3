package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdgate/crowdgate/internal/model"
)

// MemoryQueue is a process-local Queue used in tests and single-node dev
// runs. It implements the full contract, including lease expiry and
// idempotency, behind one mutex.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	// idem maps tenant/key -> job id.
	idem map[string]string
	dead []string
	seq  int64

	nowFunc func() time.Time
}

type memJob struct {
	job       model.Job
	seq       int64
	notBefore time.Time
	// delayed marks a retry waiting out its backoff; it takes a fresh
	// sequence when promoted, so it re-enters at the back of its
	// priority band like on the redis backend.
	delayed bool
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*memJob),
		idem:    make(map[string]string),
		nowFunc: time.Now,
	}
}

func idemKey(tenantID, key string) string {
	return tenantID + "/" + key
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *model.Job) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existingID, ok := q.idem[idemKey(job.TenantID, job.IdempotencyKey)]; ok {
		existing := q.jobs[existingID]
		if existing.job.PayloadHash != job.PayloadHash {
			return nil, ErrIdempotencyConflict
		}
		// Duplicate enqueue is a no-op; the original job stands.
		out := existing.job
		return &out, nil
	}

	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = model.JobStatusQueued
	stored.EnqueuedAt = q.nowFunc()

	q.seq++
	q.jobs[stored.ID] = &memJob{job: stored, seq: q.seq}
	q.idem[idemKey(stored.TenantID, stored.IdempotencyKey)] = stored.ID

	out := stored
	return &out, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, role model.JobRole, lease time.Duration) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	q.promoteDelayedLocked(now)
	q.reclaimExpiredLocked(now)

	var best *memJob
	for _, mj := range q.jobs {
		if mj.job.Role != role || mj.job.Status != model.JobStatusQueued {
			continue
		}
		if now.Before(mj.notBefore) {
			continue
		}
		if best == nil ||
			mj.job.Priority > best.job.Priority ||
			(mj.job.Priority == best.job.Priority && mj.seq < best.seq) {
			best = mj
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}

	best.job.Status = model.JobStatusProcessing
	leasedAt := now
	expires := now.Add(lease)
	best.job.LeasedAt = &leasedAt
	best.job.LeaseExpiresAt = &expires

	out := best.job
	return &out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	mj.job.Status = model.JobStatusCompleted
	mj.job.LeaseExpiresAt = nil
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID, cause string, retryIn time.Duration) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	mj.job.Attempt++
	mj.job.LastError = cause
	mj.job.LeaseExpiresAt = nil

	if mj.job.Attempt >= mj.job.MaxAttempts {
		mj.job.Status = model.JobStatusDeadLetter
		q.dead = append(q.dead, jobID)
	} else {
		mj.job.Status = model.JobStatusQueued
		mj.notBefore = q.nowFunc().Add(retryIn)
		mj.delayed = true
	}

	out := mj.job
	return &out, nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, jobID, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	mj.job.Status = model.JobStatusDeadLetter
	mj.job.LastError = cause
	mj.job.LeaseExpiresAt = nil
	q.dead = append(q.dead, jobID)
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if mj.job.Status != model.JobStatusQueued {
		return ErrNotCancellable
	}
	mj.job.Status = model.JobStatusCancelled
	return nil
}

func (q *MemoryQueue) Extend(ctx context.Context, jobID string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if mj.job.Status != model.JobStatusProcessing {
		return ErrNotFound
	}
	expires := q.nowFunc().Add(lease)
	mj.job.LeaseExpiresAt = &expires
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := mj.job
	return &out, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &Stats{
		Queued:     make(map[model.JobRole]int64),
		Processing: make(map[model.JobRole]int64),
	}
	for _, mj := range q.jobs {
		switch mj.job.Status {
		case model.JobStatusQueued:
			stats.Queued[mj.job.Role]++
		case model.JobStatusProcessing:
			stats.Processing[mj.job.Role]++
		case model.JobStatusDeadLetter:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) ListDeadLetters(ctx context.Context, limit int) ([]model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]model.Job, 0, limit)
	for _, id := range q.dead {
		if len(out) >= limit {
			break
		}
		if mj, ok := q.jobs[id]; ok && mj.job.Status == model.JobStatusDeadLetter {
			out = append(out, mj.job)
		}
	}
	return out, nil
}

func (q *MemoryQueue) RequeueDeadLetter(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if mj.job.Status != model.JobStatusDeadLetter {
		return ErrNotFound
	}
	mj.job.Status = model.JobStatusQueued
	mj.job.Attempt = 0
	mj.job.LastError = ""
	mj.notBefore = time.Time{}
	mj.delayed = false
	q.seq++
	mj.seq = q.seq

	for i, id := range q.dead {
		if id == jobID {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Close() error { return nil }

// reclaimExpiredLocked returns jobs with expired leases to the queued
// state so another consumer can pick them up.
func (q *MemoryQueue) reclaimExpiredLocked(now time.Time) {
	expired := make([]*memJob, 0)
	for _, mj := range q.jobs {
		if mj.job.Status == model.JobStatusProcessing &&
			mj.job.LeaseExpiresAt != nil && now.After(*mj.job.LeaseExpiresAt) {
			expired = append(expired, mj)
		}
	}
	// Deterministic reclaim order keeps tests stable.
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	for _, mj := range expired {
		mj.job.Status = model.JobStatusQueued
		mj.job.LeasedAt = nil
		mj.job.LeaseExpiresAt = nil
		q.seq++
		mj.seq = q.seq
	}
}

// promoteDelayedLocked hands retries whose backoff has elapsed a fresh
// sequence, matching the redis backend's promote-to-the-back ordering.
func (q *MemoryQueue) promoteDelayedLocked(now time.Time) {
	ready := make([]*memJob, 0)
	for _, mj := range q.jobs {
		if mj.delayed && mj.job.Status == model.JobStatusQueued && !now.Before(mj.notBefore) {
			ready = append(ready, mj)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	for _, mj := range ready {
		q.seq++
		mj.seq = q.seq
		mj.delayed = false
	}
}
