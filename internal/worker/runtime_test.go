package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/resilience"
)

// stubHandler returns a fixed error for every job and records invocations.
type stubHandler struct {
	role model.JobRole
	err  error

	handled chan *model.Job
}

func newStubHandler(role model.JobRole, err error) *stubHandler {
	return &stubHandler{role: role, err: err, handled: make(chan *model.Job, 16)}
}

func (s *stubHandler) Role() model.JobRole { return s.role }

func (s *stubHandler) Handle(_ context.Context, job *model.Job) error {
	s.handled <- job
	return s.err
}

func testQueueCfg() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:    3,
		LeaseSecs:      60,
		PollIntervalMS: 10,
	}
}

// runOne leases the queued job and drives it through the runtime's
// outcome mapping.
func runOne(t *testing.T, r *Runtime, q queue.Queue, h Handler) *model.Job {
	t.Helper()
	job, err := q.Dequeue(context.Background(), h.Role(), time.Minute)
	require.NoError(t, err)
	r.process(context.Background(), registration{handler: h, pool: config.PoolConfig{JobTimeoutSecs: 5}}, job)
	return job
}

func TestProcessSuccessCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, nil)

	enqueued, err := q.Enqueue(ctx, testRuntimeJob("k1"))
	require.NoError(t, err)

	job := runOne(t, r, q, h)
	assert.Equal(t, enqueued.ID, job.ID)

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
}

func TestProcessPolicyErrorCompletesAsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, resilience.NewPolicyError(resilience.ReasonQuota, "limit reached"))

	_, err := q.Enqueue(ctx, testRuntimeJob("k1"))
	require.NoError(t, err)

	job := runOne(t, r, q, h)
	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status, "policy outcomes are terminal successes")
}

func TestProcessTransientErrorRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, resilience.NewTransientError(eris.New("provider down"), 503))

	_, err := q.Enqueue(ctx, testRuntimeJob("k1"))
	require.NoError(t, err)

	job := runOne(t, r, q, h)
	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, final.Status)
	assert.Equal(t, 1, final.Attempt)
	assert.Contains(t, final.LastError, "provider down")
}

func TestProcessUnknownErrorTreatedAsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, eris.New("something unexpected"))

	_, err := q.Enqueue(ctx, testRuntimeJob("k1"))
	require.NoError(t, err)

	job := runOne(t, r, q, h)
	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, final.Status, "unclassified errors retry within the attempt budget")
}

func TestProcessPermanentErrorDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, resilience.NewPermanentError(eris.New("malformed payload")))

	_, err := q.Enqueue(ctx, testRuntimeJob("k1"))
	require.NoError(t, err)

	job := runOne(t, r, q, h)
	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDeadLetter, final.Status)
}

func TestProcessIntegrityErrorDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, resilience.NewIntegrityError(eris.New("key bound to divergent payload")))

	_, err := q.Enqueue(ctx, testRuntimeJob("k1"))
	require.NoError(t, err)

	job := runOne(t, r, q, h)
	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDeadLetter, final.Status)
}

func TestRunProcessesAndStops(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	r := NewRuntime(q, testQueueCfg())
	h := newStubHandler(model.RoleAnalysis, nil)
	r.Register(h, config.PoolConfig{Concurrency: 2, JobTimeoutSecs: 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	enqueued, err := q.Enqueue(context.Background(), testRuntimeJob("k1"))
	require.NoError(t, err)

	select {
	case job := <-h.handled:
		assert.Equal(t, enqueued.ID, job.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRunWithoutHandlers(t *testing.T) {
	t.Parallel()
	r := NewRuntime(queue.NewMemory(), testQueueCfg())
	assert.Error(t, r.Run(context.Background()))
}

func testRuntimeJob(key string) *model.Job {
	return queue.NewJob(model.RoleAnalysis, "t1", key, model.PriorityNormal, []byte(`{"comment_id":"c1"}`), 3)
}
