package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"embedding-pipeline/internal/telemetry"
)

// Embedder turns a span of text into a vector for a given model.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
	Name() string
}

// Sleeper waits out a backoff delay. Injected so tests run without
// wall-clock time; the default honors context cancellation.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Adapter wraps the external embedding HTTP service with timeout handling,
// error classification, and bounded exponential-backoff retries.
type Adapter struct {
	baseURL    string
	name       string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	base       time.Duration
	maxDelay   time.Duration
	sleep      Sleeper
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSleeper replaces the backoff sleeper (used by tests).
func WithSleeper(s Sleeper) Option {
	return func(a *Adapter) { a.sleep = s }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New builds an adapter against an Ollama-compatible embed endpoint.
func New(baseURL, name string, timeout time.Duration, maxRetries int, backoffBase, backoffMax time.Duration, opts ...Option) *Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = time.Minute
	}
	a := &Adapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		name:       name,
		client:     &http.Client{Timeout: timeout},
		timeout:    timeout,
		maxRetries: maxRetries,
		base:       backoffBase,
		maxDelay:   backoffMax,
		sleep:      sleepWithContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed computes a vector for (text, model). Transient failures are retried
// up to the configured budget with delay = base * 2^attempt, capped.
// Cancellation is checked between attempts; an in-flight HTTP call is bounded
// only by its timeout. After exhaustion the last error is returned wrapped in
// a RetriesExhaustedError.
func (a *Adapter) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidInput)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: empty model", ErrInvalidInput)
	}

	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		telemetry.BackendCalls.Inc()
		vector, err := a.call(ctx, text, model)
		if err == nil {
			return vector, nil
		}
		lastErr = err

		if !Retryable(err) {
			return nil, err
		}
		if attempt < a.maxRetries-1 {
			if err := a.sleep(ctx, a.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, &RetriesExhaustedError{Attempts: a.maxRetries, Last: lastErr}
}

// Backoff computes the delay before retry number attempt (zero-based).
func (a *Adapter) Backoff(attempt int) time.Duration {
	d := a.base << uint(attempt)
	if d > a.maxDelay || d <= 0 {
		return a.maxDelay
	}
	return d
}

func (a *Adapter) call(ctx context.Context, text, model string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrBackendUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		be := &BackendError{Status: resp.StatusCode, Body: truncate(string(payload), 512)}
		if !be.Transient() && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, be)
		}
		return nil, be
	}

	var decoded embedResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(decoded.Embeddings) == 0 || len(decoded.Embeddings[0]) == 0 {
		return nil, &BackendError{Status: resp.StatusCode, Body: "empty embedding in response"}
	}
	return decoded.Embeddings[0], nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
