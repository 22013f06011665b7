package deadletter

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"embedding-pipeline/internal/models"
)

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink, err := New(context.Background(), client, "embed:dlq", "")
	require.NoError(t, err)
	return sink, mr
}

func TestPushAndPeekPreservesContext(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	job := models.Job{ID: "job-1", Text: "some text", Model: "m1", RetryCount: 3}
	require.NoError(t, s.Push(ctx, job, errors.New("backend timeout after 3 attempts"), 3))

	entries, err := s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "job-1", entries[0].Job.ID)
	require.Equal(t, "some text", entries[0].Job.Text)
	require.Equal(t, 3, entries[0].RetryCount)
	require.Equal(t, "backend timeout after 3 attempts", entries[0].FinalError)
	require.False(t, entries[0].FailedAt.IsZero())
}

func TestPeekIsNonDestructive(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, models.Job{ID: "a", Text: "t"}, errors.New("x"), 1))

	_, err := s.Peek(ctx, 10)
	require.NoError(t, err)

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth, "peek must not consume entries")
}

func TestDepthCountsEntries(t *testing.T) {
	s, _ := newTestSink(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Push(ctx, models.Job{ID: id, Text: "t"}, errors.New("x"), 0))
	}
	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)
}

func TestPeekSkipsMalformedEntries(t *testing.T) {
	s, mr := newTestSink(t)
	ctx := context.Background()

	mr.Lpush("embed:dlq", "{not json")
	require.NoError(t, s.Push(ctx, models.Job{ID: "a", Text: "t"}, errors.New("x"), 0))

	entries, err := s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].Job.ID)
}
