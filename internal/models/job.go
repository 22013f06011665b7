package models

import (
	"time"
)

// JobState enumerates lifecycle states tracked by the state machine.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateRetrying  = "retrying"
	StateCancelled = "cancelled"
)

// Job is the unit of embedding work pulled from the queue. ID is the
// idempotency key: the broker may redeliver the same ID many times, but it is
// processed to success at most once.
type Job struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Model      string         `json:"model"`
	RetryCount int            `json:"retry_count"`
	Priority   int            `json:"priority"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	BatchID    string         `json:"batch_id,omitempty"`
}

// JobRecord is the persisted state-machine projection of a Job.
type JobRecord struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Retries   int       `json:"retries"`
	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the record has reached an immutable state.
func (r JobRecord) Terminal() bool {
	switch r.State {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// EmbeddingRecord is the persisted result of a successful job. The unique
// constraint on LogicalJobID makes the insert idempotent.
type EmbeddingRecord struct {
	LogicalJobID string         `json:"logical_job_id"`
	ChunkText    string         `json:"chunk_text"`
	Model        string         `json:"model"`
	Backend      string         `json:"backend"`
	Vector       []float32      `json:"vector"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DeadLetterEntry is the terminal payload pushed for jobs that exhausted
// retries or failed permanently.
type DeadLetterEntry struct {
	Job        Job       `json:"job"`
	FinalError string    `json:"final_error"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}
