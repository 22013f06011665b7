package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"embedding-pipeline/internal/models"
)

// RecordStore is the authoritative persistence for job records. The machine's
// in-memory map is only a cache of this store, so a restarted process can
// recover job status from it.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec models.JobRecord) error
	GetRecord(ctx context.Context, id string) (models.JobRecord, bool, error)
}

// Event notifies observers of a persisted transition. Delivery is over a
// buffered channel; a slow observer loses events rather than stalling workers.
type Event struct {
	JobID string
	From  string
	To    string
	Error string
	At    time.Time
}

// ErrTerminalState is returned when a transition is attempted on a record that
// already reached succeeded, failed, or cancelled.
var ErrTerminalState = errors.New("job record is in a terminal state")

var allowed = map[string][]string{
	models.StateQueued:   {models.StateRunning, models.StateCancelled},
	models.StateRunning:  {models.StateSucceeded, models.StateRetrying, models.StateFailed, models.StateCancelled},
	models.StateRetrying: {models.StateQueued, models.StateFailed, models.StateCancelled},
}

// Machine tracks per-job lifecycle with a concurrency cap on running jobs.
type Machine struct {
	store RecordStore
	cap   int

	mu      sync.Mutex
	records map[string]models.JobRecord
	running int

	events chan Event
}

func NewMachine(store RecordStore, concurrencyCap int) *Machine {
	if concurrencyCap <= 0 {
		concurrencyCap = 1
	}
	return &Machine{
		store:   store,
		cap:     concurrencyCap,
		records: make(map[string]models.JobRecord),
		events:  make(chan Event, 256),
	}
}

// Events exposes the transition stream for external observers.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// Running returns the number of jobs currently in the running state.
func (m *Machine) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start admits a job into the running state. It returns (nil, nil) when the
// concurrency cap is reached: the caller should treat this as "try later",
// not as an error. Already-terminal records are refused with ErrTerminalState.
func (m *Machine) Start(ctx context.Context, job models.Job) (*models.JobRecord, error) {
	// Check-and-reserve must be atomic: the slot is taken before the store
	// round-trip so concurrent Starts cannot all pass the cap check, and given
	// back if admission fails below.
	m.mu.Lock()
	if m.running >= m.cap {
		m.mu.Unlock()
		return nil, nil
	}
	m.running++
	m.mu.Unlock()

	unreserve := func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}

	// The store is authoritative: a cancel issued by another process must be
	// visible here. The local map only caches what this process wrote.
	prev, ok, err := m.loadRecord(ctx, job.ID)
	if err != nil {
		unreserve()
		return nil, fmt.Errorf("load record %s: %w", job.ID, err)
	}

	if ok && prev.Terminal() {
		unreserve()
		return nil, ErrTerminalState
	}

	now := time.Now().UTC()
	rec := models.JobRecord{
		ID:        job.ID,
		State:     models.StateRunning,
		Retries:   job.RetryCount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	from := models.StateQueued
	if ok {
		rec.CreatedAt = prev.CreatedAt
		rec.LastError = prev.LastError
		rec.UpdatedAt = monotonic(prev.UpdatedAt, now)
		from = prev.State
	}

	if err := m.store.SaveRecord(ctx, rec); err != nil {
		unreserve()
		return nil, fmt.Errorf("persist record %s: %w", job.ID, err)
	}

	m.mu.Lock()
	m.records[job.ID] = rec
	m.mu.Unlock()

	m.publish(Event{JobID: job.ID, From: from, To: rec.State, At: rec.UpdatedAt})
	return &rec, nil
}

// Complete transitions a running job to succeeded.
func (m *Machine) Complete(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, models.StateSucceeded, "")
}

// Fail transitions a running job to retrying (retryable) or failed (permanent
// or retries exhausted).
func (m *Machine) Fail(ctx context.Context, jobID string, cause string, retryable bool) error {
	to := models.StateFailed
	if retryable {
		to = models.StateRetrying
	}
	return m.transition(ctx, jobID, to, cause)
}

// Requeue moves a retrying job back to queued for its next cycle.
func (m *Machine) Requeue(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, models.StateQueued, "")
}

// Cancel moves any non-terminal job to cancelled. A running job is not
// aborted mid-flight; cancellation is honored between retry attempts.
func (m *Machine) Cancel(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, models.StateCancelled, "")
}

// Record returns the current projection for jobID.
func (m *Machine) Record(ctx context.Context, jobID string) (models.JobRecord, bool, error) {
	return m.loadRecord(ctx, jobID)
}

// Reconcile refreshes the local view of jobID from the store, releasing this
// process's running slot when another process settled the record (for
// example an API-side cancel).
func (m *Machine) Reconcile(ctx context.Context, jobID string) (models.JobRecord, bool, error) {
	rec, ok, err := m.loadRecord(ctx, jobID)
	if err == nil && ok && rec.Terminal() {
		m.releaseRunning(jobID, rec)
	}
	return rec, ok, err
}

// loadRecord reads the authoritative store, falling back to the local cache
// only when the store cannot answer.
func (m *Machine) loadRecord(ctx context.Context, jobID string) (models.JobRecord, bool, error) {
	rec, found, err := m.store.GetRecord(ctx, jobID)
	if err == nil {
		if found {
			return rec, true, nil
		}
		m.mu.Lock()
		rec, ok := m.records[jobID]
		m.mu.Unlock()
		return rec, ok, nil
	}

	m.mu.Lock()
	cached, ok := m.records[jobID]
	m.mu.Unlock()
	if ok {
		return cached, true, nil
	}
	return models.JobRecord{}, false, err
}

func (m *Machine) transition(ctx context.Context, jobID, to, cause string) error {
	prev, ok, err := m.loadRecord(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load record %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("no record for job %s", jobID)
	}

	if prev.Terminal() {
		// Another process may have settled the record (API-side cancel);
		// free the local running slot if this process still held one.
		m.releaseRunning(jobID, prev)
		return fmt.Errorf("transition %s -> %s: %w", prev.State, to, ErrTerminalState)
	}
	if !transitionAllowed(prev.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", prev.State, to, jobID)
	}

	rec := prev
	rec.State = to
	rec.UpdatedAt = monotonic(prev.UpdatedAt, time.Now().UTC())
	if cause != "" {
		rec.LastError = &cause
	}
	if to == models.StateRetrying {
		rec.Retries++
	}

	if err := m.store.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist record %s: %w", jobID, err)
	}

	m.mu.Lock()
	m.records[jobID] = rec
	if prev.State == models.StateRunning && to != models.StateRunning {
		m.running--
	}
	m.mu.Unlock()

	m.publish(Event{JobID: jobID, From: prev.State, To: to, Error: cause, At: rec.UpdatedAt})
	return nil
}

func (m *Machine) releaseRunning(jobID string, settled models.JobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.records[jobID]; ok && cached.State == models.StateRunning {
		m.records[jobID] = settled
		m.running--
	}
}

func (m *Machine) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		// Observers are advisory; never block a worker on a full channel.
	}
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// monotonic guarantees UpdatedAt strictly increases across transitions even
// when the wall clock does not advance between them.
func monotonic(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
