package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/model"
)

// Redis key layout. Jobs live as JSON blobs under job:{id}; ready jobs
// per role in a sorted set scored by (priority rank, sequence) so ZPOPMIN
// yields strict priority-then-FIFO order; delayed retries and leases in
// per-role sorted sets scored by unix milliseconds.
const (
	keyJob     = "cg:job:"     // + job id -> JSON
	keyIdem    = "cg:idem:"    // + tenant/key -> job id
	keyReady   = "cg:ready:"   // + role -> ZSET(job id, order score)
	keyDelayed = "cg:delayed:" // + role -> ZSET(job id, ready-at ms)
	keyLeases  = "cg:leases:"  // + role -> ZSET(job id, expiry ms)
	keyDead    = "cg:dead"     // LIST of job ids
	keySeq     = "cg:seq"      // INCR sequence for FIFO ordering
)

// RedisQueue is the primary queue backend.
type RedisQueue struct {
	client *redis.Client
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis url")
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrap(err, "queue: redis ping")
	}
	return &RedisQueue{client: rdb}, nil
}

// NewRedisFromClient wraps an existing client (tests, shared connections).
func NewRedisFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// orderScore packs priority and FIFO sequence into one ZSET score. High
// priority sorts lowest so ZPOPMIN serves it first; within a priority the
// sequence preserves enqueue order.
func orderScore(p model.Priority, seq int64) float64 {
	rank := float64(int(model.PriorityHigh) - int(p))
	return rank*1e12 + float64(seq)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *model.Job) (*model.Job, error) {
	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = model.JobStatusQueued
	stored.EnqueuedAt = time.Now().UTC()

	// Claim the idempotency key. A lost claim means a duplicate enqueue:
	// compare payload hashes against the original job. A claim pointing
	// at a job that was never written (an enqueue crashed between the
	// claim and the blob write) is released and the key re-claimed, so a
	// stale claim can never strand the job forever.
	idem := keyIdem + idemKey(stored.TenantID, stored.IdempotencyKey)
	for {
		claimed, err := q.client.SetNX(ctx, idem, stored.ID, 0).Result()
		if err != nil {
			return nil, eris.Wrap(err, "queue: redis claim idempotency key")
		}
		if claimed {
			break
		}

		existingID, err := q.client.Get(ctx, idem).Result()
		if err == redis.Nil {
			// Claim released between SetNX and Get; try again.
			continue
		} else if err != nil {
			return nil, eris.Wrap(err, "queue: redis read idempotency claim")
		}
		existing, err := q.getJob(ctx, existingID)
		if eris.Is(err, ErrNotFound) {
			if err := q.releaseStaleClaim(ctx, idem, existingID); err != nil {
				return nil, err
			}
			continue
		} else if err != nil {
			return nil, err
		}
		if existing.PayloadHash != stored.PayloadHash {
			return nil, ErrIdempotencyConflict
		}
		return existing, nil
	}

	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: redis sequence")
	}

	body, err := json.Marshal(&stored)
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal job")
	}

	// One round-trip for the blob write and the ready insert.
	multi := q.client.TxPipeline()
	multi.Set(ctx, keyJob+stored.ID, body, 0)
	multi.ZAdd(ctx, keyReady+string(stored.Role), redis.Z{
		Score:  orderScore(stored.Priority, seq),
		Member: stored.ID,
	})
	if _, err := multi.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: redis enqueue")
	}

	out := stored
	return &out, nil
}

// releaseStaleClaimScript deletes an idempotency claim only while it
// still points at the dangling job id, so a concurrent fresh enqueue is
// never unclaimed.
var releaseStaleClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (q *RedisQueue) releaseStaleClaim(ctx context.Context, claimKey, jobID string) error {
	if err := releaseStaleClaimScript.Run(ctx, q.client, []string{claimKey}, jobID).Err(); err != nil {
		return eris.Wrap(err, "queue: redis release stale claim")
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, role model.JobRole, lease time.Duration) (*model.Job, error) {
	if err := q.promoteDelayed(ctx, role); err != nil {
		return nil, err
	}
	if err := q.reclaimExpired(ctx, role); err != nil {
		return nil, err
	}

	popped, err := q.client.ZPopMin(ctx, keyReady+string(role), 1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: redis pop")
	}
	if len(popped) == 0 {
		return nil, ErrEmpty
	}
	jobID := popped[0].Member.(string)

	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusCancelled {
		// Cancelled while queued; skip it and report empty for this poll.
		return nil, ErrEmpty
	}

	now := time.Now().UTC()
	expires := now.Add(lease)
	job.Status = model.JobStatusProcessing
	job.LeasedAt = &now
	job.LeaseExpiresAt = &expires

	if err := q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.ZAdd(ctx, keyLeases+string(role), redis.Z{
			Score:  float64(expires.UnixMilli()),
			Member: job.ID,
		})
	}); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusCompleted
	job.LeaseExpiresAt = nil
	return q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.ZRem(ctx, keyLeases+string(job.Role), jobID)
	})
}

func (q *RedisQueue) Fail(ctx context.Context, jobID, cause string, retryIn time.Duration) (*model.Job, error) {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job.Attempt++
	job.LastError = cause
	job.LeaseExpiresAt = nil

	if job.Attempt >= job.MaxAttempts {
		job.Status = model.JobStatusDeadLetter
		if err := q.putJob(ctx, job, func(p redis.Pipeliner) {
			p.ZRem(ctx, keyLeases+string(job.Role), jobID)
			p.LPush(ctx, keyDead, jobID)
		}); err != nil {
			return nil, err
		}
		return job, nil
	}

	job.Status = model.JobStatusQueued
	readyAt := time.Now().UTC().Add(retryIn)
	if err := q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.ZRem(ctx, keyLeases+string(job.Role), jobID)
		p.ZAdd(ctx, keyDelayed+string(job.Role), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: jobID,
		})
	}); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, jobID, cause string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusDeadLetter
	job.LastError = cause
	job.LeaseExpiresAt = nil
	return q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.ZRem(ctx, keyLeases+string(job.Role), jobID)
		p.LPush(ctx, keyDead, jobID)
	})
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusQueued {
		return ErrNotCancellable
	}
	job.Status = model.JobStatusCancelled
	return q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.ZRem(ctx, keyReady+string(job.Role), jobID)
		p.ZRem(ctx, keyDelayed+string(job.Role), jobID)
	})
}

func (q *RedisQueue) Extend(ctx context.Context, jobID string, lease time.Duration) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusProcessing {
		return ErrNotFound
	}
	expires := time.Now().UTC().Add(lease)
	job.LeaseExpiresAt = &expires
	return q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.ZAdd(ctx, keyLeases+string(job.Role), redis.Z{
			Score:  float64(expires.UnixMilli()),
			Member: jobID,
		})
	})
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return q.getJob(ctx, jobID)
}

func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Queued:     make(map[model.JobRole]int64),
		Processing: make(map[model.JobRole]int64),
	}
	for _, role := range model.AllRoles() {
		ready, err := q.client.ZCard(ctx, keyReady+string(role)).Result()
		if err != nil {
			return nil, eris.Wrap(err, "queue: redis stats ready")
		}
		delayed, err := q.client.ZCard(ctx, keyDelayed+string(role)).Result()
		if err != nil {
			return nil, eris.Wrap(err, "queue: redis stats delayed")
		}
		leased, err := q.client.ZCard(ctx, keyLeases+string(role)).Result()
		if err != nil {
			return nil, eris.Wrap(err, "queue: redis stats leases")
		}
		stats.Queued[role] = ready + delayed
		stats.Processing[role] = leased
	}
	dead, err := q.client.LLen(ctx, keyDead).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: redis stats dead")
	}
	stats.DeadLetter = dead
	return stats, nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, keyDead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: redis list dead letters")
	}
	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.getJob(ctx, id)
		if err != nil {
			if eris.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetter(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusDeadLetter {
		return ErrNotFound
	}

	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return eris.Wrap(err, "queue: redis sequence")
	}

	job.Status = model.JobStatusQueued
	job.Attempt = 0
	job.LastError = ""
	return q.putJob(ctx, job, func(p redis.Pipeliner) {
		p.LRem(ctx, keyDead, 1, jobID)
		p.ZAdd(ctx, keyReady+string(job.Role), redis.Z{
			Score:  orderScore(job.Priority, seq),
			Member: jobID,
		})
	})
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	body, err := q.client.Get(ctx, keyJob+jobID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "queue: redis get job")
	}
	var job model.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, eris.Wrap(err, "queue: unmarshal job")
	}
	return &job, nil
}

// putJob writes the job blob and any side-effect commands in a single
// transactional pipeline.
func (q *RedisQueue) putJob(ctx context.Context, job *model.Job, extra func(redis.Pipeliner)) error {
	body, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}
	multi := q.client.TxPipeline()
	multi.Set(ctx, keyJob+job.ID, body, 0)
	if extra != nil {
		extra(multi)
	}
	if _, err := multi.Exec(ctx); err != nil {
		return eris.Wrap(err, "queue: redis write job")
	}
	return nil
}

// promoteDelayed moves retry-delayed jobs whose backoff has elapsed into
// the ready set.
func (q *RedisQueue) promoteDelayed(ctx context.Context, role model.JobRole) error {
	now := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed+string(role), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return eris.Wrap(err, "queue: redis promote delayed")
	}
	for _, id := range ids {
		seq, err := q.client.Incr(ctx, keySeq).Result()
		if err != nil {
			return eris.Wrap(err, "queue: redis sequence")
		}
		job, err := q.getJob(ctx, id)
		if err != nil {
			if eris.Is(err, ErrNotFound) {
				q.client.ZRem(ctx, keyDelayed+string(role), id)
				continue
			}
			return err
		}
		multi := q.client.TxPipeline()
		multi.ZRem(ctx, keyDelayed+string(role), id)
		multi.ZAdd(ctx, keyReady+string(role), redis.Z{
			Score:  orderScore(job.Priority, seq),
			Member: id,
		})
		if _, err := multi.Exec(ctx); err != nil {
			return eris.Wrap(err, "queue: redis promote delayed")
		}
	}
	return nil
}

// reclaimExpired returns jobs with expired leases to the ready set so a
// crashed consumer's work gets redelivered. Idempotency keys make the
// redelivery safe.
func (q *RedisQueue) reclaimExpired(ctx context.Context, role model.JobRole) error {
	now := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyLeases+string(role), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return eris.Wrap(err, "queue: redis reclaim leases")
	}
	for _, id := range ids {
		job, err := q.getJob(ctx, id)
		if err != nil {
			if eris.Is(err, ErrNotFound) {
				q.client.ZRem(ctx, keyLeases+string(role), id)
				continue
			}
			return err
		}
		seq, err := q.client.Incr(ctx, keySeq).Result()
		if err != nil {
			return eris.Wrap(err, "queue: redis sequence")
		}
		job.Status = model.JobStatusQueued
		job.LeasedAt = nil
		job.LeaseExpiresAt = nil
		if err := q.putJob(ctx, job, func(p redis.Pipeliner) {
			p.ZRem(ctx, keyLeases+string(role), id)
			p.ZAdd(ctx, keyReady+string(role), redis.Z{
				Score:  orderScore(job.Priority, seq),
				Member: id,
			})
		}); err != nil {
			return err
		}
	}
	return nil
}
