package ledger

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger is the distributed idempotency ledger. An in-flight marker grants a
// single worker processing rights for a job ID; a done marker makes later
// redeliveries no-ops. Both are plain Redis keys with TTLs, so a crashed
// worker's lock expires on its own.
type Ledger struct {
	client      *redis.Client
	inFlightTTL time.Duration
	doneTTL     time.Duration
}

// New builds a ledger. inFlightTTL bounds how long a crashed worker can hold a
// job (safety net, not the primary dedup mechanism); doneTTL must outlive the
// broker's maximum redelivery window.
func New(client *redis.Client, inFlightTTL, doneTTL time.Duration) *Ledger {
	if inFlightTTL <= 0 {
		inFlightTTL = 24 * time.Hour
	}
	if doneTTL <= 0 {
		doneTTL = 7 * 24 * time.Hour
	}
	return &Ledger{client: client, inFlightTTL: inFlightTTL, doneTTL: doneTTL}
}

func lockKey(jobID string) string { return "embed:lock:" + jobID }
func doneKey(jobID string) string { return "embed:done:" + jobID }

// acquireScript checks the done marker and claims the in-flight lock in one
// atomic step, so a completion landing mid-acquire cannot be raced past.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`)

// TryAcquire atomically claims processing rights for jobID. It returns false
// when another worker holds the in-flight marker or the job already completed.
//
// If Redis is unreachable the ledger fails open: it reports the job as
// acquirable and logs a degraded-mode warning. A small duplicate-processing
// risk is preferred over a stalled pipeline; the persistence layer's unique
// constraint still prevents duplicate rows.
func (l *Ledger) TryAcquire(ctx context.Context, jobID string) bool {
	res, err := acquireScript.Run(ctx, l.client,
		[]string{lockKey(jobID), doneKey(jobID)},
		workerStamp(), l.inFlightTTL.Milliseconds()).Int()
	if err != nil {
		log.Printf("ledger degraded, failing open for job %s: %v", jobID, err)
		return true
	}
	return res == 1
}

// MarkDone records completion and releases the in-flight marker.
func (l *Ledger) MarkDone(ctx context.Context, jobID string) error {
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, doneKey(jobID), time.Now().UTC().Format(time.RFC3339), l.doneTTL)
	pipe.Del(ctx, lockKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release clears only the in-flight marker so a later redelivery can retry.
func (l *Ledger) Release(ctx context.Context, jobID string) error {
	return l.client.Del(ctx, lockKey(jobID)).Err()
}

// Done reports whether a completion marker exists for jobID.
func (l *Ledger) Done(ctx context.Context, jobID string) (bool, error) {
	n, err := l.client.Exists(ctx, doneKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func workerStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
