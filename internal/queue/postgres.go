package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/db"
	"github.com/crowdgate/crowdgate/internal/model"
)

// PostgresQueue is the persistent queue backend. It is the failover
// target when redis is down and can also run standalone.
type PostgresQueue struct {
	pool db.Pool
}

// NewPostgres wraps an existing pool. The jobs table is created by
// Migrate (invoked from the migrate command alongside the store schema).
func NewPostgres(pool db.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

const postgresQueueMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	role             TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 1,
	payload          JSONB NOT NULL,
	payload_hash     TEXT NOT NULL,
	attempt          INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 5,
	status           TEXT NOT NULL DEFAULT 'queued',
	last_error       TEXT,
	seq              BIGSERIAL,
	not_before       TIMESTAMPTZ,
	enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	leased_at        TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	UNIQUE (tenant_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs(role, status, priority DESC, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
`

// Migrate creates the jobs table.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, postgresQueueMigration); err != nil {
		return eris.Wrap(err, "queue: postgres migrate")
	}
	return nil
}

const jobColumns = `id, role, tenant_id, idempotency_key, priority, payload, payload_hash,
	attempt, max_attempts, status, COALESCE(last_error, ''), enqueued_at, leased_at, lease_expires_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var job model.Job
	err := row.Scan(
		&job.ID, &job.Role, &job.TenantID, &job.IdempotencyKey, &job.Priority,
		&job.Payload, &job.PayloadHash, &job.Attempt, &job.MaxAttempts,
		&job.Status, &job.LastError, &job.EnqueuedAt, &job.LeasedAt, &job.LeaseExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "queue: postgres scan job")
	}
	return &job, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *model.Job) (*model.Job, error) {
	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	// ON CONFLICT DO NOTHING loses the race to the original job; the
	// follow-up select distinguishes duplicate from divergent payload.
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, role, tenant_id, idempotency_key, priority, payload, payload_hash, max_attempts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued')
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		stored.ID, stored.Role, stored.TenantID, stored.IdempotencyKey,
		stored.Priority, stored.Payload, stored.PayloadHash, stored.MaxAttempts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: postgres enqueue")
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanJob(q.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
			stored.TenantID, stored.IdempotencyKey,
		))
		if err != nil {
			return nil, err
		}
		if existing.PayloadHash != stored.PayloadHash {
			return nil, ErrIdempotencyConflict
		}
		return existing, nil
	}

	return scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, stored.ID))
}

func (q *PostgresQueue) Dequeue(ctx context.Context, role model.JobRole, lease time.Duration) (*model.Job, error) {
	now := time.Now().UTC()
	// A single UPDATE with SKIP LOCKED serves concurrent consumers
	// without double-delivery. Expired leases are reclaimed in the same
	// candidate set.
	job, err := scanJob(q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'processing', leased_at = $2, lease_expires_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE role = $1 AND (
				(status = 'queued' AND (not_before IS NULL OR not_before <= $2))
				OR (status = 'processing' AND lease_expires_at <= $2)
			)
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		role, now, now.Add(lease),
	))
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	return job, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', lease_expires_at = NULL WHERE id = $1`, jobID)
	if err != nil {
		return eris.Wrap(err, "queue: postgres complete")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID, cause string, retryIn time.Duration) (*model.Job, error) {
	notBefore := time.Now().UTC().Add(retryIn)
	job, err := scanJob(q.pool.QueryRow(ctx, `
		UPDATE jobs SET
			attempt = attempt + 1,
			last_error = $2,
			lease_expires_at = NULL,
			status = CASE WHEN attempt + 1 >= max_attempts THEN 'dead_letter' ELSE 'queued' END,
			not_before = CASE WHEN attempt + 1 >= max_attempts THEN not_before ELSE $3 END
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, cause, notBefore,
	))
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, jobID, cause string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'dead_letter', last_error = $2, lease_expires_at = NULL WHERE id = $1`,
		jobID, cause)
	if err != nil {
		return eris.Wrap(err, "queue: postgres dead letter")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled' WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return eris.Wrap(err, "queue: postgres cancel")
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := q.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return ErrNotCancellable
	}
	return nil
}

func (q *PostgresQueue) Extend(ctx context.Context, jobID string, lease time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET lease_expires_at = $2 WHERE id = $1 AND status = 'processing'`,
		jobID, time.Now().UTC().Add(lease))
	if err != nil {
		return eris.Wrap(err, "queue: postgres extend lease")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

func (q *PostgresQueue) Stats(ctx context.Context) (*Stats, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT role, status, count(*) FROM jobs GROUP BY role, status`)
	if err != nil {
		return nil, eris.Wrap(err, "queue: postgres stats")
	}
	defer rows.Close()

	stats := &Stats{
		Queued:     make(map[model.JobRole]int64),
		Processing: make(map[model.JobRole]int64),
	}
	for rows.Next() {
		var role model.JobRole
		var status model.JobStatus
		var count int64
		if err := rows.Scan(&role, &status, &count); err != nil {
			return nil, eris.Wrap(err, "queue: postgres stats scan")
		}
		switch status {
		case model.JobStatusQueued:
			stats.Queued[role] += count
		case model.JobStatusProcessing:
			stats.Processing[role] += count
		case model.JobStatusDeadLetter:
			stats.DeadLetter += count
		}
	}
	return stats, eris.Wrap(rows.Err(), "queue: postgres stats rows")
}

func (q *PostgresQueue) ListDeadLetters(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'dead_letter' ORDER BY enqueued_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, eris.Wrap(err, "queue: postgres list dead letters")
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "queue: postgres dead letter rows")
}

func (q *PostgresQueue) RequeueDeadLetter(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', attempt = 0, last_error = NULL, not_before = NULL
		WHERE id = $1 AND status = 'dead_letter'`, jobID)
	if err != nil {
		return eris.Wrap(err, "queue: postgres requeue dead letter")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the pool is owned by the store layer.
func (q *PostgresQueue) Close() error { return nil }
