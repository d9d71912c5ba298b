package replicator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SequenceStore remembers the highest sequence token applied per key.
type SequenceStore interface {
	LastApplied(ctx context.Context, key string) (int64, error)
	Advance(ctx context.Context, key string, seq int64) error
}

const defaultSequencePrefix = "idr:seq:"

// Tokens are stored zero padded so the script can compare them as strings.
// Lua numbers are doubles and lose precision on nanosecond tokens.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur >= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisSequenceStore keeps sequence tokens in Redis.
type RedisSequenceStore struct {
	rc     redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisSequenceStore returns a store using rc. A zero ttl keeps tokens
// forever.
func NewRedisSequenceStore(rc redis.Cmdable, prefix string, ttl time.Duration) *RedisSequenceStore {
	if prefix == "" {
		prefix = defaultSequencePrefix
	}
	return &RedisSequenceStore{rc: rc, prefix: prefix, ttl: ttl}
}

func formatSequence(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func (s *RedisSequenceStore) LastApplied(ctx context.Context, key string) (int64, error) {
	val, err := s.rc.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence for %q: %w", key, err)
	}
	return seq, nil
}

// Advance raises the stored token for key to seq. Lower tokens are ignored.
func (s *RedisSequenceStore) Advance(ctx context.Context, key string, seq int64) error {
	if seq <= 0 {
		return nil
	}
	return advanceScript.Run(ctx, s.rc, []string{s.prefix + key}, formatSequence(seq), s.ttl.Milliseconds()).Err()
}

// MemorySequenceStore is an in-process SequenceStore.
type MemorySequenceStore struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewMemorySequenceStore() *MemorySequenceStore {
	return &MemorySequenceStore{last: map[string]int64{}}
}

func (s *MemorySequenceStore) LastApplied(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[key], nil
}

func (s *MemorySequenceStore) Advance(ctx context.Context, key string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.last[key] {
		s.last[key] = seq
	}
	return nil
}
