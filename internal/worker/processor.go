package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"embedding-pipeline/internal/backend"
	"embedding-pipeline/internal/batch"
	"embedding-pipeline/internal/config"
	"embedding-pipeline/internal/models"
	"embedding-pipeline/internal/state"
	"embedding-pipeline/internal/telemetry"
)

// Queue is the durable job queue boundary the processor pulls from.
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) error
	Dequeue(ctx context.Context) (models.Job, bool, error)
	Requeue(ctx context.Context, job models.Job) error
	Schedule(ctx context.Context, job models.Job, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	Ack(ctx context.Context, job models.Job) error
	Depth(ctx context.Context) (int64, error)
}

// Ledger gates duplicate deliveries of the same job ID.
type Ledger interface {
	TryAcquire(ctx context.Context, jobID string) bool
	MarkDone(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}

// VectorCache is the read-through (text, model) -> vector cache.
type VectorCache interface {
	Get(ctx context.Context, text, model string) ([]float32, bool)
	PutAsync(text, model string, vector []float32)
}

// Writer persists computed embeddings idempotently.
type Writer interface {
	UpsertEmbedding(ctx context.Context, rec models.EmbeddingRecord) (bool, error)
}

// DeadLetter receives jobs that exhausted retries or failed permanently.
type DeadLetter interface {
	Push(ctx context.Context, job models.Job, finalErr error, retryCount int) error
}

// Processor drives the consumer loop: dequeue, idempotency gate, state
// admission, batch accumulation, embedding, and persistence. A single job
// failure never crashes the loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	ledger   Ledger
	cache    VectorCache
	machine  *state.Machine
	embedder backend.Embedder
	writer   Writer
	sink     DeadLetter

	sched *batch.Scheduler
	pool  *ants.Pool

	workCtx  context.Context
	stopWork context.CancelFunc
	inflight sync.WaitGroup
}

// NewProcessor wires the pipeline components together.
func NewProcessor(cfg config.Config, q Queue, l Ledger, c VectorCache, m *state.Machine, e backend.Embedder, w Writer, dl DeadLetter) (*Processor, error) {
	poolSize := cfg.BatchPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("create batch pool: %w", err)
	}

	p := &Processor{
		cfg:      cfg,
		queue:    q,
		ledger:   l,
		cache:    c,
		machine:  m,
		embedder: e,
		writer:   w,
		sink:     dl,
		pool:     pool,
	}
	p.sched = batch.NewScheduler(cfg.BatchSize, cfg.BatchWindow, p.onFlush)
	p.workCtx, p.stopWork = context.WithCancel(context.Background())
	return p, nil
}

// Run executes the consumer loop until ctx is cancelled, then drains: no new
// dequeues, pending batches flushed, in-flight jobs allowed to finish.
func (p *Processor) Run(ctx context.Context) error {
	defer p.drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil && ctx.Err() == nil {
			log.Printf("promote scheduled: %v", err)
		}
		if n, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && n > 0 {
			log.Printf("reclaimed %d expired leases", n)
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		telemetry.RunningGauge.Set(float64(p.machine.Running()))

		job, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("dequeue failed: %v", err)
			p.pause(ctx)
			continue
		}
		if !ok {
			continue
		}

		if deferred := p.admit(ctx, job); deferred {
			p.pause(ctx)
		}
	}
}

// admit gates a delivery through the ledger and the state machine. It returns
// true when the concurrency cap deferred the start and the loop should back
// off briefly.
func (p *Processor) admit(ctx context.Context, job models.Job) bool {
	if job.ID == "" || job.Text == "" {
		// Malformed delivery; drop it rather than crash or spin.
		log.Printf("dropping malformed job (id=%q)", job.ID)
		_ = p.queue.Ack(ctx, job)
		return false
	}
	if job.Model == "" {
		job.Model = p.cfg.DefaultModel
	}

	if !p.ledger.TryAcquire(ctx, job.ID) {
		telemetry.DuplicateSkips.Inc()
		log.Printf("skipping duplicate delivery of job %s", job.ID)
		_ = p.queue.Ack(ctx, job)
		return false
	}

	rec, err := p.machine.Start(ctx, job)
	if err != nil {
		_ = p.ledger.Release(ctx, job.ID)
		if errors.Is(err, state.ErrTerminalState) {
			// Cancelled or already settled; the delivery is consumed.
			_ = p.queue.Ack(ctx, job)
			return false
		}
		log.Printf("start job %s: %v", job.ID, err)
		_ = p.queue.Requeue(ctx, job)
		return true
	}
	if rec == nil {
		// Concurrency cap reached: not an error, a deferred start.
		_ = p.ledger.Release(ctx, job.ID)
		_ = p.queue.Requeue(ctx, job)
		return true
	}

	p.sched.Submit(job)
	return false
}

// onFlush hands a flushed batch to the execution pool.
func (p *Processor) onFlush(model string, jobs []models.Job) {
	p.inflight.Add(1)
	task := func() {
		defer p.inflight.Done()
		p.executeBatch(model, jobs)
	}
	if err := p.pool.Submit(task); err != nil {
		// Pool is released during shutdown; run the final batches inline.
		task()
	}
}

// executeBatch processes a same-model batch with bounded fan-out so a large
// batch cannot overwhelm the backend.
func (p *Processor) executeBatch(model string, jobs []models.Job) {
	g := new(errgroup.Group)
	limit := p.cfg.BatchConcurrency
	if limit <= 0 {
		limit = 5
	}
	g.SetLimit(limit)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			p.processJob(p.workCtx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// processJob runs one accepted job to a terminal outcome. Errors are routed,
// never propagated.
func (p *Processor) processJob(ctx context.Context, job models.Job) {
	if rec, ok, _ := p.machine.Reconcile(ctx, job.ID); ok && rec.State == models.StateCancelled {
		_ = p.ledger.Release(ctx, job.ID)
		_ = p.queue.Ack(ctx, job)
		return
	}

	vector, hit := p.cache.Get(ctx, job.Text, job.Model)
	if hit {
		telemetry.CacheHits.Inc()
	} else {
		telemetry.CacheMisses.Inc()
		var err error
		vector, err = p.embedder.Embed(ctx, job.Text, job.Model)
		if err != nil {
			p.routeFailure(ctx, job, err)
			return
		}
		p.cache.PutAsync(job.Text, job.Model, vector)
	}

	rec := models.EmbeddingRecord{
		LogicalJobID: job.ID,
		ChunkText:    job.Text,
		Model:        job.Model,
		Backend:      p.embedder.Name(),
		Vector:       vector,
		Metadata:     embeddingMetadata(job, hit, p.embedder.Name()),
		CreatedAt:    time.Now().UTC(),
	}

	inserted, err := p.writer.UpsertEmbedding(ctx, rec)
	if err != nil {
		// Infrastructure failure: retry the whole job, not just the write.
		p.retryJob(ctx, job, fmt.Errorf("persist embedding: %w", err))
		return
	}
	if !inserted {
		log.Printf("embedding for job %s already persisted, upsert was a no-op", job.ID)
	}

	if err := p.ledger.MarkDone(ctx, job.ID); err != nil {
		log.Printf("mark done %s: %v", job.ID, err)
	}
	if err := p.machine.Complete(ctx, job.ID); err != nil {
		log.Printf("complete %s: %v", job.ID, err)
	}
	_ = p.queue.Ack(ctx, job)
	telemetry.JobSuccess.Inc()
}

// routeFailure applies the error taxonomy to a failed embedding attempt.
func (p *Processor) routeFailure(ctx context.Context, job models.Job, err error) {
	var exhausted *backend.RetriesExhaustedError
	switch {
	case errors.As(err, &exhausted):
		p.deadLetter(ctx, job, err, exhausted.Attempts)
	case errors.Is(err, backend.ErrInvalidInput):
		p.deadLetter(ctx, job, fmt.Errorf("non-retryable: %w", err), job.RetryCount)
	case errors.Is(err, context.Canceled):
		// Shutdown or cancellation mid-batch: release so a redelivery retries.
		// The job must be back on a ready list before its lease is acked; if
		// the enqueue fails the lease stays for the visibility sweep.
		_ = p.machine.Fail(ctx, job.ID, err.Error(), true)
		_ = p.machine.Requeue(ctx, job.ID)
		_ = p.ledger.Release(ctx, job.ID)
		if err := p.queue.Enqueue(ctx, job); err != nil {
			log.Printf("re-enqueue %s after cancellation: %v, lease retained", job.ID, err)
			return
		}
		_ = p.queue.Ack(ctx, job)
	default:
		p.retryJob(ctx, job, err)
	}
}

// retryJob schedules another full cycle for the job with jittered backoff,
// dead-lettering once the job-level retry budget is spent.
func (p *Processor) retryJob(ctx context.Context, job models.Job, cause error) {
	retries := job.RetryCount + 1
	if retries > p.cfg.MaxRetries {
		p.deadLetter(ctx, job, cause, job.RetryCount)
		return
	}

	if err := p.machine.Fail(ctx, job.ID, cause.Error(), true); err != nil {
		log.Printf("fail(retryable) %s: %v", job.ID, err)
	}
	if err := p.machine.Requeue(ctx, job.ID); err != nil {
		log.Printf("requeue %s: %v", job.ID, err)
	}

	next := job
	next.RetryCount = retries
	delay := backoffWithJitter(p.cfg.BackoffBase, p.cfg.BackoffMax, retries)

	// Park the retry before acking the lease. A failed schedule leaves the
	// lease in place, so the visibility sweep redelivers instead of losing
	// the job.
	_ = p.ledger.Release(ctx, job.ID)
	if err := p.queue.Schedule(ctx, next, time.Now().Add(delay)); err != nil {
		log.Printf("schedule retry for %s: %v, lease retained", job.ID, err)
		return
	}
	_ = p.queue.Ack(ctx, job)
	telemetry.JobRetries.Inc()
}

// deadLetter pushes the job to the sink with full failure context, then
// settles it as failed. The push comes first: if the sink is unreachable the
// record stays non-terminal and the lease is kept, so the visibility sweep
// redelivers and the next cycle retries the push rather than losing the only
// visible failure signal.
func (p *Processor) deadLetter(ctx context.Context, job models.Job, cause error, retryCount int) {
	if err := p.sink.Push(ctx, job, cause, retryCount); err != nil {
		log.Printf("dead-letter push for %s: %v, lease retained", job.ID, err)
		_ = p.machine.Fail(ctx, job.ID, cause.Error(), true)
		_ = p.machine.Requeue(ctx, job.ID)
		_ = p.ledger.Release(ctx, job.ID)
		return
	}
	if err := p.machine.Fail(ctx, job.ID, cause.Error(), false); err != nil {
		log.Printf("fail(permanent) %s: %v", job.ID, err)
	}
	_ = p.ledger.Release(ctx, job.ID)
	_ = p.queue.Ack(ctx, job)
}

// drain flushes pending batches and waits for in-flight work, then releases
// the pool. Called once when Run exits.
func (p *Processor) drain() {
	p.sched.Close()
	p.inflight.Wait()
	p.pool.Release()
	p.stopWork()
}

func (p *Processor) pause(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func embeddingMetadata(job models.Job, cached bool, backendName string) map[string]any {
	meta := make(map[string]any, len(job.Meta)+3)
	for k, v := range job.Meta {
		meta[k] = v
	}
	meta["batch_id"] = job.BatchID
	meta["cached"] = cached
	meta["backend"] = backendName
	return meta
}

// backoffWithJitter computes the delay before job-level retry cycle attempt,
// half deterministic and half random to spread thundering retries.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
