// Package worker runs the pipeline's job-processing pools. The runtime
// owns dequeueing, per-job timeouts, lease heartbeats, and the mapping
// from error class to queue outcome; handlers own the domain logic for
// one role each.
package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/metrics"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/resilience"
)

// Handler processes jobs for one worker role.
//
// Returned errors steer the queue outcome by class: transient errors
// requeue the job with backoff, policy errors complete it as skipped,
// permanent and integrity errors dead-letter it immediately.
type Handler interface {
	Role() model.JobRole
	Handle(ctx context.Context, job *model.Job) error
}

type registration struct {
	handler Handler
	pool    config.PoolConfig
}

// Runtime polls the queue and dispatches jobs to registered handlers
// with bounded per-role concurrency.
type Runtime struct {
	queue    queue.Queue
	queueCfg config.QueueConfig
	retryCfg resilience.RetryConfig
	handlers map[model.JobRole]registration
}

// NewRuntime builds a runtime over the queue. The retry config shapes
// the backoff curve applied when failing jobs back onto the queue.
func NewRuntime(q queue.Queue, queueCfg config.QueueConfig) *Runtime {
	return &Runtime{
		queue:    q,
		queueCfg: queueCfg,
		retryCfg: resilience.RetryConfig{
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
		},
		handlers: make(map[model.JobRole]registration),
	}
}

// Register adds a handler with its pool settings. Registering a role
// twice replaces the previous handler.
func (r *Runtime) Register(h Handler, pool config.PoolConfig) {
	if pool.Concurrency <= 0 {
		pool.Concurrency = 1
	}
	r.handlers[h.Role()] = registration{handler: h, pool: pool}
}

// Run blocks until ctx is cancelled, processing jobs for every
// registered role. In-flight jobs finish before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.handlers) == 0 {
		return eris.New("worker: no handlers registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range r.handlers {
		reg := reg
		for i := 0; i < reg.pool.Concurrency; i++ {
			g.Go(func() error {
				r.pollLoop(ctx, reg)
				return nil
			})
		}
	}

	zap.L().Info("worker: runtime started",
		zap.Int("roles", len(r.handlers)),
		zap.Duration("poll_interval", r.queueCfg.PollInterval()),
	)
	return g.Wait()
}

func (r *Runtime) pollLoop(ctx context.Context, reg registration) {
	role := reg.handler.Role()
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.queue.Dequeue(ctx, role, r.queueCfg.LeaseDuration())
		switch {
		case err == nil:
			r.process(ctx, reg, job)
			continue
		case eris.Is(err, queue.ErrEmpty):
			// Idle; fall through to the poll sleep.
		case ctx.Err() != nil:
			return
		default:
			zap.L().Warn("worker: dequeue failed",
				zap.String("role", string(role)),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.queueCfg.PollInterval()):
		}
	}
}

// process runs one job to a queue outcome. The job context survives
// runtime shutdown so an in-flight job finishes (or times out) instead
// of being abandoned mid-write.
func (r *Runtime) process(ctx context.Context, reg registration, job *model.Job) {
	role := reg.handler.Role()
	log := zap.L().With(
		zap.String("role", string(role)),
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempt", job.Attempt),
	)

	jobCtx := context.WithoutCancel(ctx)
	timeout := reg.pool.JobTimeout()
	if timeout <= 0 {
		timeout = r.queueCfg.LeaseDuration()
	}
	jobCtx, cancel := context.WithTimeout(jobCtx, timeout)
	defer cancel()

	stopHeartbeat := r.heartbeat(jobCtx, job.ID)
	start := time.Now()
	err := reg.handler.Handle(jobCtx, job)
	stopHeartbeat()
	metrics.JobDuration.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())

	if err == nil {
		if completeErr := r.queue.Complete(jobCtx, job.ID); completeErr != nil {
			log.Error("worker: complete failed", zap.Error(completeErr))
		}
		metrics.JobsProcessed.WithLabelValues(string(role), "ok").Inc()
		return
	}

	class := resilience.Classify(err)
	metrics.JobsFailed.WithLabelValues(string(role), class.String()).Inc()

	switch class {
	case resilience.ClassPolicy:
		// Terminal but not a failure: the handler already recorded the
		// skip on the entity.
		pe, _ := resilience.AsPolicy(err)
		log.Info("worker: job skipped", zap.String("reason", pe.Reason))
		if completeErr := r.queue.Complete(jobCtx, job.ID); completeErr != nil {
			log.Error("worker: complete failed", zap.Error(completeErr))
		}
		metrics.JobsProcessed.WithLabelValues(string(role), "skipped").Inc()

	case resilience.ClassTransient:
		retryIn := resilience.Backoff(job.Attempt, r.retryCfg)
		failed, failErr := r.queue.Fail(jobCtx, job.ID, err.Error(), retryIn)
		if failErr != nil {
			log.Error("worker: fail failed", zap.Error(failErr))
			return
		}
		if failed.Status == model.JobStatusDeadLetter {
			log.Warn("worker: attempt budget exhausted, dead-lettered", zap.Error(err))
			metrics.JobsDeadLettered.WithLabelValues(string(role)).Inc()
			return
		}
		log.Warn("worker: transient failure, requeued",
			zap.Duration("retry_in", retryIn),
			zap.Error(err),
		)

	default: // permanent, integrity
		log.Error("worker: terminal failure, dead-lettered",
			zap.String("class", class.String()),
			zap.Error(err),
		)
		if dlErr := r.queue.DeadLetter(jobCtx, job.ID, err.Error()); dlErr != nil {
			log.Error("worker: dead letter failed", zap.Error(dlErr))
		}
		metrics.JobsDeadLettered.WithLabelValues(string(role)).Inc()
	}
}

// heartbeat extends the job lease at half the lease interval until the
// returned stop function is called.
func (r *Runtime) heartbeat(ctx context.Context, jobID string) func() {
	interval := r.queueCfg.LeaseDuration() / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Extend(ctx, jobID, r.queueCfg.LeaseDuration()); err != nil {
					zap.L().Debug("worker: lease extension failed",
						zap.String("job_id", jobID),
						zap.Error(err),
					)
				}
			}
		}
	}()
	return func() { close(done) }
}

// StatsPublisher refreshes queue depth gauges until ctx is cancelled.
func StatsPublisher(ctx context.Context, q queue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				zap.L().Debug("worker: queue stats failed", zap.Error(err))
				continue
			}
			for _, role := range model.AllRoles() {
				metrics.QueueDepth.WithLabelValues(string(role)).Set(float64(stats.Queued[role]))
				metrics.QueueProcessing.WithLabelValues(string(role)).Set(float64(stats.Processing[role]))
			}
			metrics.DeadLetterDepth.Set(float64(stats.DeadLetter))
		}
	}
}
