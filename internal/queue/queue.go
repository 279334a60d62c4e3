// Package queue provides the durable, at-least-once job queue feeding the
// worker pools. Jobs are priority-ordered FIFO per role, leased to exactly
// one consumer at a time, and deduplicated by idempotency key. The
// primary backend is redis; a relational backend takes over transparently
// when redis is unreachable.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/model"
)

// Sentinel errors shared by all backends.
var (
	// ErrEmpty means no job is ready for the requested role right now.
	ErrEmpty = eris.New("queue: no job available")
	// ErrNotFound means the job id is unknown to this backend.
	ErrNotFound = eris.New("queue: job not found")
	// ErrIdempotencyConflict means the idempotency key is already bound
	// to a different payload. Data-integrity violation, never retried.
	ErrIdempotencyConflict = eris.New("queue: idempotency key bound to divergent payload")
	// ErrNotCancellable means the job has already been leased or finished.
	ErrNotCancellable = eris.New("queue: job is not in a cancellable state")
)

// Stats is a point-in-time depth snapshot per role.
type Stats struct {
	Queued     map[model.JobRole]int64 `json:"queued"`
	Processing map[model.JobRole]int64 `json:"processing"`
	DeadLetter int64                   `json:"dead_letter"`
}

// Queue is the job queue contract consumed by the worker runtime.
//
// Dequeue returns ErrEmpty immediately when nothing is ready; the worker
// runtime owns the poll loop. Fail re-queues the job after retryIn unless
// the attempt budget is exhausted, in which case the job is dead-lettered
// and the returned job carries JobStatusDeadLetter.
type Queue interface {
	Enqueue(ctx context.Context, job *model.Job) (*model.Job, error)
	Dequeue(ctx context.Context, role model.JobRole, lease time.Duration) (*model.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, cause string, retryIn time.Duration) (*model.Job, error)
	DeadLetter(ctx context.Context, jobID, cause string) error
	Cancel(ctx context.Context, jobID string) error
	Extend(ctx context.Context, jobID string, lease time.Duration) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context) (*Stats, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.Job, error)
	RequeueDeadLetter(ctx context.Context, jobID string) error
	Close() error
}

// NewJob builds a queued job with defaults applied. Payload must already
// be serialized; the payload hash pins the idempotency key to it.
func NewJob(role model.JobRole, tenantID, idempotencyKey string, priority model.Priority, payload []byte, maxAttempts int) *model.Job {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &model.Job{
		Role:           role,
		TenantID:       tenantID,
		IdempotencyKey: idempotencyKey,
		Priority:       priority,
		Payload:        payload,
		PayloadHash:    model.HashPayload(payload),
		MaxAttempts:    maxAttempts,
		Status:         model.JobStatusQueued,
	}
}

// IsSentinel reports whether err is one of the queue's expected outcomes
// rather than a backend failure. Failover must not trigger on these.
func IsSentinel(err error) bool {
	return eris.Is(err, ErrEmpty) ||
		eris.Is(err, ErrNotFound) ||
		eris.Is(err, ErrIdempotencyConflict) ||
		eris.Is(err, ErrNotCancellable)
}
