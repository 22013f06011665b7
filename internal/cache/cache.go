package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/redis/go-redis/v9"
)

// Cache is a read-through store mapping (text, model) to a previously computed
// vector. It is a pure function cache: eviction only costs recomputation, so
// every operation here is best-effort.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Key derives the cache key for a (text, model) pair.
func Key(text, model string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "embed:cache:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached vector for (text, model), or ok=false on a miss.
// Errors are treated as misses; the cache never fails the enclosing job.
func (c *Cache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, Key(text, model)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("cache get failed: %v", err)
		return nil, false
	}
	vec, err := decodeVector(raw)
	if err != nil {
		log.Printf("cache entry corrupt, dropping: %v", err)
		_ = c.client.Del(ctx, Key(text, model)).Err()
		return nil, false
	}
	return vec, true
}

// PutAsync stores a vector without blocking the caller. A write failure is
// logged and otherwise ignored.
func (c *Cache) PutAsync(text, model string, vector []float32) {
	encoded := encodeVector(vector)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.Set(ctx, Key(text, model), encoded, c.ttl).Err(); err != nil {
			log.Printf("cache put failed: %v", err)
		}
	}()
}

// Put stores a vector synchronously. Exposed for tests and warm-up paths.
func (c *Cache) Put(ctx context.Context, text, model string, vector []float32) error {
	return c.client.Set(ctx, Key(text, model), encodeVector(vector), c.ttl).Err()
}

// Vectors are stored as s2-compressed little-endian float32 words. The
// compression is invisible to callers beyond storage size.
func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return s2.Encode(nil, buf)
}

func decodeVector(raw []byte) ([]float32, error) {
	buf, err := s2.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d not word-aligned", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
