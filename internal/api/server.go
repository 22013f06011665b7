package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"embedding-pipeline/internal/config"
	"embedding-pipeline/internal/models"
	"embedding-pipeline/internal/ratelimit"
	"embedding-pipeline/internal/telemetry"
)

// Enqueuer accepts jobs into the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// JobStore reads job records and persisted embeddings for status queries.
type JobStore interface {
	GetRecord(ctx context.Context, id string) (models.JobRecord, bool, error)
	GetEmbedding(ctx context.Context, logicalJobID string) (models.EmbeddingRecord, bool, error)
	SaveRecord(ctx context.Context, rec models.JobRecord) error
}

// DLQReader inspects the dead-letter sink.
type DLQReader interface {
	Peek(ctx context.Context, count int64) ([]models.DeadLetterEntry, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   Enqueuer
	dlq     DLQReader
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, q Enqueuer, dlq DLQReader, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, queue: q, dlq: dlq, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/embeddings/{id}", s.handleGetEmbedding)
	r.Get("/dlq", s.handleDLQ)
	return r
}

// enqueueRequest is the inbound queue message shape. Callers needing
// idempotent submission must supply a stable id.
type enqueueRequest struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Model    string         `json:"model"`
	Meta     map[string]any `json:"meta"`
	Priority int            `json:"priority"`
}

type enqueueResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job := models.Job{
		ID:        req.ID,
		Text:      req.Text,
		Model:     req.Model,
		Meta:      req.Meta,
		Priority:  req.Priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancel marks a job cancelled. A running job is not aborted
// mid-flight; cancellation takes effect before the next retry cycle.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		now := time.Now().UTC()
		rec = models.JobRecord{ID: id, State: models.StateQueued, CreatedAt: now, UpdatedAt: now}
	}
	if rec.Terminal() {
		http.Error(w, "job already settled", http.StatusConflict)
		return
	}
	rec.State = models.StateCancelled
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveRecord(r.Context(), rec); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetEmbedding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.store.GetEmbedding(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "embedding not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDLQ returns the oldest dead-letter entries for inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dlq.Peek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
