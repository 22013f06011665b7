package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"embedding-pipeline/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
// Jobs travel as JSON payloads on priority lists; dequeued payloads are leased
// into a sorted set with a visibility deadline so a crashed worker's jobs are
// redelivered, and a second sorted set holds retries that are not yet
// eligible to run.
type RedisQueue struct {
	client        *redis.Client
	priorities    []int
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dequeueBlock  time.Duration
}

// New builds a queue around an existing Redis client. priorities are checked
// in order on dequeue, so list them highest first.
func New(client *redis.Client, priorities []int, visibility, dequeueBlock time.Duration) *RedisQueue {
	if len(priorities) == 0 {
		priorities = []int{0}
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if dequeueBlock <= 0 {
		dequeueBlock = 5 * time.Second
	}
	return &RedisQueue{
		client:        client,
		priorities:    priorities,
		inflightKey:   "embed:inflight",
		scheduledKey:  "embed:scheduled",
		visibilityTTL: visibility,
		dequeueBlock:  dequeueBlock,
	}
}

func (q *RedisQueue) readyKey(priority int) string {
	return fmt.Sprintf("embed:ready:%d", priority)
}

// nearestPriority maps arbitrary job priorities onto a configured queue.
func (q *RedisQueue) nearestPriority(p int) int {
	best := q.priorities[0]
	for _, known := range q.priorities {
		if known == p {
			return p
		}
		if abs(known-p) < abs(best-p) {
			best = known
		}
	}
	return best
}

// payload is the canonical wire form of a job. Every queue operation works on
// this encoding so in-flight leases can be matched back on ack.
func payload(job models.Job) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(raw), nil
}

// Enqueue appends a job to the tail of its priority queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	raw, err := payload(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.readyKey(q.nearestPriority(job.Priority)), raw).Err()
}

// Requeue releases a leased job back to the head of its priority queue. Used
// when the concurrency cap refuses a start; the job should run as soon as a
// slot frees.
func (q *RedisQueue) Requeue(ctx context.Context, job models.Job) error {
	raw, err := payload(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, raw)
	pipe.LPush(ctx, q.readyKey(q.nearestPriority(job.Priority)), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// Schedule parks a job until runAt, to be promoted back into a ready queue.
func (q *RedisQueue) Schedule(ctx context.Context, job models.Job, runAt time.Time) error {
	raw, err := payload(job)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: raw,
	}).Err()
}

// PromoteScheduled moves due jobs into their ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	payloads, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, raw := range payloads {
		var job models.Job
		priority := q.priorities[0]
		if err := json.Unmarshal([]byte(raw), &job); err == nil {
			priority = q.nearestPriority(job.Priority)
		}
		pipe.ZRem(ctx, q.scheduledKey, raw)
		pipe.RPush(ctx, q.readyKey(priority), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// Dequeue blocks on the priority queues (highest first) for up to the
// configured block interval and leases the popped job with a visibility
// deadline. ok=false means nothing arrived, so the caller can observe context
// cancellation between blocks. The leased payload is the canonical encoding
// of the returned job, which is what Ack matches on.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.Job, bool, error) {
	keys := make([]string, 0, len(q.priorities))
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}

	res, err := q.client.BLPop(ctx, q.dequeueBlock, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	if len(res) < 2 {
		return models.Job{}, false, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}

	var job models.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job payload: %w", err)
	}

	// Lease under the canonical encoding, not the raw producer bytes, so that
	// Ack(job) can recompute the member deterministically.
	raw, err := payload(job)
	if err != nil {
		return models.Job{}, false, err
	}
	deadline := float64(time.Now().Add(q.visibilityTTL).UnixMilli())
	if err := q.client.ZAdd(ctx, q.inflightKey, redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
		return models.Job{}, false, fmt.Errorf("lease job %s: %w", job.ID, err)
	}
	return job, true, nil
}

// Ack removes a leased job from in-flight tracking once it reached a terminal
// outcome or was rescheduled.
func (q *RedisQueue) Ack(ctx context.Context, job models.Job) error {
	raw, err := payload(job)
	if err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.inflightKey, raw).Err()
}

// RequeueExpired reclaims leases whose visibility deadline passed,
// re-enqueuing the payloads. It returns how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	payloads, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, raw := range payloads {
		var job models.Job
		priority := q.priorities[0]
		if err := json.Unmarshal([]byte(raw), &job); err == nil {
			priority = q.nearestPriority(job.Priority)
		}
		pipe.ZRem(ctx, q.inflightKey, raw)
		pipe.RPush(ctx, q.readyKey(priority), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// Depth returns the total length of all ready queues.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
