package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"embedding-pipeline/internal/models"
	"embedding-pipeline/internal/telemetry"
)

// FlushFunc receives a full or timed-out batch. Jobs in the slice share a
// model and carry the batch ID assigned at accumulation time.
type FlushFunc func(model string, jobs []models.Job)

// Scheduler groups pending jobs by model and flushes each group when it
// reaches the configured size or when the time window elapses, whichever
// comes first. Grouping by model lets the backend adapter reuse model
// configuration and leaves room for true backend batching later.
type Scheduler struct {
	size   int
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*group
	closed  bool
}

type group struct {
	id    string
	jobs  []models.Job
	timer *time.Timer
}

func NewScheduler(size int, window time.Duration, flush FlushFunc) *Scheduler {
	if size <= 0 {
		size = 10
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Scheduler{
		size:    size,
		window:  window,
		flush:   flush,
		pending: make(map[string]*group),
	}
}

// Submit appends a job to its model's batch, flushing when the batch fills.
// The job's BatchID is set before it is handed to the flush function.
func (s *Scheduler) Submit(job models.Job) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Late submit during shutdown still flushes as a batch of one.
		job.BatchID = uuid.New().String()
		s.dispatch(job.Model, []models.Job{job})
		return
	}

	g, ok := s.pending[job.Model]
	if !ok {
		g = &group{id: uuid.New().String()}
		model := job.Model
		g.timer = time.AfterFunc(s.window, func() { s.flushModel(model) })
		s.pending[job.Model] = g
	}
	job.BatchID = g.id
	g.jobs = append(g.jobs, job)

	if len(g.jobs) >= s.size {
		delete(s.pending, job.Model)
		g.timer.Stop()
		jobs := g.jobs
		s.mu.Unlock()
		s.dispatch(job.Model, jobs)
		return
	}
	s.mu.Unlock()
}

// flushModel fires on timer expiry and hands over whatever accumulated.
func (s *Scheduler) flushModel(model string) {
	s.mu.Lock()
	g, ok := s.pending[model]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, model)
	jobs := g.jobs
	s.mu.Unlock()

	if len(jobs) > 0 {
		s.dispatch(model, jobs)
	}
}

// Close flushes every pending batch and rejects further timer-based flushes.
// Safe to call once during shutdown.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	remaining := make(map[string][]models.Job, len(s.pending))
	for model, g := range s.pending {
		g.timer.Stop()
		remaining[model] = g.jobs
	}
	s.pending = make(map[string]*group)
	s.mu.Unlock()

	for model, jobs := range remaining {
		if len(jobs) > 0 {
			s.dispatch(model, jobs)
		}
	}
}

func (s *Scheduler) dispatch(model string, jobs []models.Job) {
	telemetry.BatchFlushes.Inc()
	s.flush(model, jobs)
}
