package replicator

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	return m, rc
}

func TestRedisSequenceStoreAdvance(t *testing.T) {
	m, rc := newTestRedis(t)
	s := NewRedisSequenceStore(rc, "", 0)
	ctx := context.Background()

	if last, err := s.LastApplied(ctx, "alice"); err != nil || last != 0 {
		t.Fatalf("expected no sequence, got %d %v", last, err)
	}
	const first = int64(1700000000000000001)
	if err := s.Advance(ctx, "alice", first); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.Advance(ctx, "alice", first-1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	last, err := s.LastApplied(ctx, "alice")
	if err != nil || last != first {
		t.Fatalf("expected %d, got %d %v", first, last, err)
	}
	raw, err := m.Get(defaultSequencePrefix + "alice")
	if err != nil || raw != "01700000000000000001" {
		t.Fatalf("unexpected stored value %q %v", raw, err)
	}

	if err := s.Advance(ctx, "alice", first+1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if last, _ := s.LastApplied(ctx, "alice"); last != first+1 {
		t.Fatalf("expected %d, got %d", first+1, last)
	}
}

func TestRedisSequenceStoreComparesAcrossDigits(t *testing.T) {
	_, rc := newTestRedis(t)
	s := NewRedisSequenceStore(rc, "test:", 0)
	ctx := context.Background()

	s.Advance(ctx, "bob", 999)
	s.Advance(ctx, "bob", 1000)
	s.Advance(ctx, "bob", 99)
	if last, _ := s.LastApplied(ctx, "bob"); last != 1000 {
		t.Fatalf("expected 1000, got %d", last)
	}
}

func TestRedisSequenceStoreTTL(t *testing.T) {
	m, rc := newTestRedis(t)
	s := NewRedisSequenceStore(rc, "", time.Hour)
	ctx := context.Background()

	if err := s.Advance(ctx, "carol", 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ttl := m.TTL(defaultSequencePrefix + "carol"); ttl != time.Hour {
		t.Fatalf("expected ttl of an hour, got %s", ttl)
	}
	m.FastForward(2 * time.Hour)
	if last, _ := s.LastApplied(ctx, "carol"); last != 0 {
		t.Fatalf("expected sequence to expire, got %d", last)
	}
}

func TestApplierWithRedisSequenceStore(t *testing.T) {
	_, rc := newTestRedis(t)
	dir := newFakeDirectory()
	a := newTestApplier(dir, NewRedisSequenceStore(rc, "", 0))
	ctx := context.Background()

	a.Apply(ctx, createEvent("alice", "alice@example.com", 10))
	a.Apply(ctx, deleteEvent("alice", 20))
	res := a.Apply(ctx, updateEvent("alice", "stale@example.com", 15))
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected stale update to be skipped, got %s", res.Outcome)
	}
	if _, ok := dir.Get("alice"); ok {
		t.Fatalf("stale update must not resurrect a deleted identity")
	}
}
