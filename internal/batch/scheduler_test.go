package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"embedding-pipeline/internal/models"
)

// flushRecorder captures dispatched batches for assertions.
type flushRecorder struct {
	mu      sync.Mutex
	batches []flushed
}

type flushed struct {
	model string
	jobs  []models.Job
}

func (r *flushRecorder) flush(model string, jobs []models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, flushed{model: model, jobs: jobs})
}

func (r *flushRecorder) snapshot() []flushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]flushed, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *flushRecorder) waitFor(t *testing.T, n int) []flushed {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes, got %d", n, len(r.snapshot()))
	return nil
}

func batchJob(id, model string) models.Job {
	return models.Job{ID: id, Text: "text " + id, Model: model}
}

func TestFlushWhenBatchFills(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(3, time.Minute, rec.flush)

	s.Submit(batchJob("a", "m1"))
	s.Submit(batchJob("b", "m1"))
	require.Empty(t, rec.snapshot(), "batch below size must wait")

	s.Submit(batchJob("c", "m1"))
	got := rec.waitFor(t, 1)
	require.Len(t, got[0].jobs, 3)
	require.Equal(t, "m1", got[0].model)
}

func TestFlushOnWindowExpiry(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(100, 20*time.Millisecond, rec.flush)

	s.Submit(batchJob("a", "m1"))
	got := rec.waitFor(t, 1)
	require.Len(t, got[0].jobs, 1)
	require.Equal(t, "a", got[0].jobs[0].ID)
}

func TestBatchesGroupedByModel(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(2, time.Minute, rec.flush)

	s.Submit(batchJob("a", "m1"))
	s.Submit(batchJob("b", "m2"))
	s.Submit(batchJob("c", "m1"))

	got := rec.waitFor(t, 1)
	require.Len(t, got, 1, "only m1 reached the size threshold")
	require.Equal(t, "m1", got[0].model)
	require.Equal(t, "a", got[0].jobs[0].ID)
	require.Equal(t, "c", got[0].jobs[1].ID)
}

func TestJobsShareBatchID(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(2, time.Minute, rec.flush)

	s.Submit(batchJob("a", "m1"))
	s.Submit(batchJob("b", "m1"))

	got := rec.waitFor(t, 1)
	require.NotEmpty(t, got[0].jobs[0].BatchID)
	require.Equal(t, got[0].jobs[0].BatchID, got[0].jobs[1].BatchID)
}

func TestSuccessiveBatchesGetFreshIDs(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(1, time.Minute, rec.flush)

	s.Submit(batchJob("a", "m1"))
	s.Submit(batchJob("b", "m1"))

	got := rec.waitFor(t, 2)
	require.NotEqual(t, got[0].jobs[0].BatchID, got[1].jobs[0].BatchID)
}

func TestCloseFlushesPending(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(100, time.Minute, rec.flush)

	s.Submit(batchJob("a", "m1"))
	s.Submit(batchJob("b", "m2"))
	s.Close()

	got := rec.snapshot()
	require.Len(t, got, 2, "shutdown must not strand accumulated jobs")
}

func TestSubmitAfterCloseStillFlushes(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(100, time.Minute, rec.flush)
	s.Close()

	s.Submit(batchJob("late", "m1"))
	got := rec.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "late", got[0].jobs[0].ID)
	require.NotEmpty(t, got[0].jobs[0].BatchID)
}
