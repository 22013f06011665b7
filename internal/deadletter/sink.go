package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"embedding-pipeline/internal/models"
	"embedding-pipeline/internal/telemetry"
)

type archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Sink is the append-only terminal store for jobs that exhausted retries or
// failed permanently. Entries land on a durable Redis list for inspection and
// are optionally archived to S3. Presence of entries here is the operational
// alert signal; nothing is silently dropped.
type Sink struct {
	client  *redis.Client
	key     string
	archive archiver
}

// New builds a sink over the given Redis list key. When bucket is non-empty,
// entries are also archived to S3 (best-effort).
func New(ctx context.Context, client *redis.Client, key, bucket string) (*Sink, error) {
	sink := &Sink{client: client, key: key}
	if bucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		sink.archive = &s3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}
	}
	return sink, nil
}

// Push appends a dead-letter entry with full failure context.
func (s *Sink) Push(ctx context.Context, job models.Job, finalErr error, retryCount int) error {
	entry := models.DeadLetterEntry{
		Job:        job,
		FinalError: finalErr.Error(),
		RetryCount: retryCount,
		FailedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	if err := s.client.RPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("push dead-letter entry: %w", err)
	}
	telemetry.JobDeadLetter.Inc()

	if s.archive != nil {
		key := fmt.Sprintf("dlq/%s.json", job.ID)
		if err := s.archive.Archive(ctx, key, payload); err != nil {
			log.Printf("dead-letter archive failed for job %s: %v", job.ID, err)
		}
	}
	return nil
}

// Peek returns up to count oldest entries without removing them.
func (s *Sink) Peek(ctx context.Context, count int64) ([]models.DeadLetterEntry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead-letter list: %w", err)
	}
	entries := make([]models.DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.Printf("skipping malformed dead-letter entry: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Depth returns the number of dead-lettered jobs.
func (s *Sink) Depth(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (a *s3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}
