package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"embedding-pipeline/internal/models"
)

// memStore is an in-memory RecordStore standing in for Postgres.
type memStore struct {
	mu   sync.Mutex
	recs map[string]models.JobRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]models.JobRecord)}
}

func (s *memStore) SaveRecord(_ context.Context, rec models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) GetRecord(_ context.Context, id string) (models.JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	return rec, ok, nil
}

func testJob(id string) models.Job {
	return models.Job{ID: id, Text: "t", Model: "m"}
}

func TestStartToSucceeded(t *testing.T) {
	m := NewMachine(newMemStore(), 4)
	ctx := context.Background()

	rec, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, models.StateRunning, rec.State)
	require.Equal(t, 1, m.Running())

	require.NoError(t, m.Complete(ctx, "a"))
	got, ok, err := m.Record(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StateSucceeded, got.State)
	require.Zero(t, m.Running())
}

func TestConcurrencyCapDefersThirdJob(t *testing.T) {
	m := NewMachine(newMemStore(), 2)
	ctx := context.Background()

	first, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := m.Start(ctx, testJob("b"))
	require.NoError(t, err)
	require.NotNil(t, second)

	third, err := m.Start(ctx, testJob("c"))
	require.NoError(t, err)
	require.Nil(t, third, "cap reached: start must be refused, not fail")
	require.Equal(t, 2, m.Running())

	require.NoError(t, m.Complete(ctx, "a"))
	third, err = m.Start(ctx, testJob("c"))
	require.NoError(t, err)
	require.NotNil(t, third, "freed slot must admit the deferred job")
}

// slowStore adds latency to reads so concurrent Starts overlap in the
// store round-trip.
type slowStore struct {
	*memStore
	delay time.Duration
}

func (s *slowStore) GetRecord(ctx context.Context, id string) (models.JobRecord, bool, error) {
	time.Sleep(s.delay)
	return s.memStore.GetRecord(ctx, id)
}

func TestConcurrencyCapHoldsUnderConcurrentStarts(t *testing.T) {
	m := NewMachine(&slowStore{memStore: newMemStore(), delay: 20 * time.Millisecond}, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	var admitted, failed atomic.Int32
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := m.Start(ctx, testJob(id))
			if err != nil {
				failed.Add(1)
				return
			}
			if rec != nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	require.Equal(t, int32(2), admitted.Load(), "simultaneous starts must not exceed the cap")
	require.Equal(t, 2, m.Running())
}

func TestFailedStartReleasesReservedSlot(t *testing.T) {
	st := newMemStore()
	m := NewMachine(st, 1)
	ctx := context.Background()

	// A terminal record refuses the start; the reserved slot must come back.
	now := time.Now().UTC()
	require.NoError(t, st.SaveRecord(ctx, models.JobRecord{
		ID: "settled", State: models.StateCancelled, CreatedAt: now, UpdatedAt: now,
	}))
	_, err := m.Start(ctx, testJob("settled"))
	require.ErrorIs(t, err, ErrTerminalState)
	require.Zero(t, m.Running())

	rec, err := m.Start(ctx, testJob("fresh"))
	require.NoError(t, err)
	require.NotNil(t, rec, "refused start must not leak its slot")
}

func TestRetryCycleTransitions(t *testing.T) {
	m := NewMachine(newMemStore(), 4)
	ctx := context.Background()

	_, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)

	require.NoError(t, m.Fail(ctx, "a", "backend 503", true))
	rec, _, _ := m.Record(ctx, "a")
	require.Equal(t, models.StateRetrying, rec.State)
	require.Equal(t, 1, rec.Retries)
	require.NotNil(t, rec.LastError)
	require.Equal(t, "backend 503", *rec.LastError)
	require.Zero(t, m.Running(), "retrying job frees its running slot")

	require.NoError(t, m.Requeue(ctx, "a"))
	rec, _, _ = m.Record(ctx, "a")
	require.Equal(t, models.StateQueued, rec.State)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	m := NewMachine(newMemStore(), 4)
	ctx := context.Background()

	_, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, "a", "malformed input", false))

	err = m.Complete(ctx, "a")
	require.ErrorIs(t, err, ErrTerminalState, "failed is immutable")

	_, err = m.Start(ctx, testJob("a"))
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestCancelPreventsRestart(t *testing.T) {
	m := NewMachine(newMemStore(), 4)
	ctx := context.Background()

	_, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, "a"))
	require.Zero(t, m.Running())

	_, err = m.Start(ctx, testJob("a"))
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	m := NewMachine(newMemStore(), 4)
	ctx := context.Background()

	rec, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	started := rec.UpdatedAt

	require.NoError(t, m.Fail(ctx, "a", "x", true))
	afterFail, _, _ := m.Record(ctx, "a")
	require.True(t, afterFail.UpdatedAt.After(started))

	require.NoError(t, m.Requeue(ctx, "a"))
	afterRequeue, _, _ := m.Record(ctx, "a")
	require.True(t, afterRequeue.UpdatedAt.After(afterFail.UpdatedAt))
}

func TestTransitionsPersistToStore(t *testing.T) {
	st := newMemStore()
	m := NewMachine(st, 4)
	ctx := context.Background()

	_, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, "a"))

	// A fresh machine over the same store recovers the terminal state.
	recovered := NewMachine(st, 4)
	rec, ok, err := recovered.Record(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StateSucceeded, rec.State)
}

func TestExternalCancelReleasesRunningSlot(t *testing.T) {
	st := newMemStore()
	m := NewMachine(st, 1)
	ctx := context.Background()

	_, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)

	// Simulate an API-side cancel written directly to the store.
	rec, _, _ := st.GetRecord(ctx, "a")
	rec.State = models.StateCancelled
	require.NoError(t, st.SaveRecord(ctx, rec))

	got, ok, err := m.Reconcile(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StateCancelled, got.State)
	require.Zero(t, m.Running(), "externally settled record frees the slot")
}

func TestEventsPublishedPerTransition(t *testing.T) {
	m := NewMachine(newMemStore(), 4)
	ctx := context.Background()

	_, err := m.Start(ctx, testJob("a"))
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, "a"))

	ev := <-m.Events()
	require.Equal(t, "a", ev.JobID)
	require.Equal(t, models.StateQueued, ev.From)
	require.Equal(t, models.StateRunning, ev.To)

	ev = <-m.Events()
	require.Equal(t, models.StateRunning, ev.From)
	require.Equal(t, models.StateSucceeded, ev.To)
}
