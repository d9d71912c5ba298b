package replicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tak-kam/cognito-dr/directory"
	"github.com/tak-kam/cognito-dr/domain"
)

func TestApplyCreateTwiceIsIdempotent(t *testing.T) {
	dir := newFakeDirectory()
	a := newTestApplier(dir, nil)
	ctx := context.Background()
	ev := createEvent("alice", "alice@example.com", 0)

	first := a.Apply(ctx, ev)
	second := a.Apply(ctx, ev)
	if first.Outcome != OutcomeApplied || second.Outcome != OutcomeReconciled {
		t.Fatalf("unexpected outcomes %s, %s", first.Outcome, second.Outcome)
	}
	if first.Err != nil || second.Err != nil {
		t.Fatalf("unexpected errors %v, %v", first.Err, second.Err)
	}
	ident, ok := dir.Get("alice")
	if !ok || ident.Attributes.Email != "alice@example.com" || !ident.Attributes.Verified {
		t.Fatalf("unexpected identity %+v", ident)
	}
}

func TestApplySequencedDuplicateIsSkipped(t *testing.T) {
	dir := newFakeDirectory()
	a := newTestApplier(dir, NewMemorySequenceStore())
	ctx := context.Background()
	ev := createEvent("alice", "alice@example.com", 10)

	if res := a.Apply(ctx, ev); res.Outcome != OutcomeApplied {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if res := a.Apply(ctx, ev); res.Outcome != OutcomeSkipped {
		t.Fatalf("expected duplicate to be skipped, got %s", res.Outcome)
	}
	if n := len(dir.callsFor("alice")); n != 1 {
		t.Fatalf("expected 1 directory call, got %d", n)
	}
}

func TestApplyDeleteTwiceNeverErrors(t *testing.T) {
	dir := newFakeDirectory()
	a := newTestApplier(dir, nil)
	ctx := context.Background()
	a.Apply(ctx, createEvent("bob", "bob@x.com", 0))

	first := a.Apply(ctx, deleteEvent("bob", 0))
	second := a.Apply(ctx, deleteEvent("bob", 0))
	if first.Err != nil || second.Err != nil {
		t.Fatalf("unexpected errors %v, %v", first.Err, second.Err)
	}
	if second.Outcome != OutcomeReconciled {
		t.Fatalf("expected second delete to be absorbed, got %s", second.Outcome)
	}
	if _, ok := dir.Get("bob"); ok {
		t.Fatalf("expected identity to be gone")
	}
}

func TestApplyUpdateBeforeCreate(t *testing.T) {
	tests := []struct {
		name      string
		createSeq int64
		updateSeq int64
		want      string
	}{
		// Without sequences the last delivered write wins.
		{"unsequenced", 0, 0, "e1@example.com"},
		{"sequenced", 1, 2, "e2@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newFakeDirectory()
			a := newTestApplier(dir, NewMemorySequenceStore())
			ctx := context.Background()

			upd := a.Apply(ctx, updateEvent("k", "e2@example.com", tt.updateSeq))
			if upd.Err != nil || upd.Outcome != OutcomeReconciled {
				t.Fatalf("update: %s %v", upd.Outcome, upd.Err)
			}
			crt := a.Apply(ctx, createEvent("k", "e1@example.com", tt.createSeq))
			if crt.Err != nil {
				t.Fatalf("create: %v", crt.Err)
			}
			ident, ok := dir.Get("k")
			if !ok || ident.Attributes.Email != tt.want {
				t.Fatalf("expected k to hold %s, got %+v", tt.want, ident)
			}
		})
	}
}

func TestApplySequencedCreateOverwritesExisting(t *testing.T) {
	dir := newFakeDirectory()
	dir.Memory.CreateIdentity(context.Background(), "carol", domain.ReplicatedAttributes("old@example.com"))
	a := newTestApplier(dir, NewMemorySequenceStore())

	res := a.Apply(context.Background(), createEvent("carol", "new@example.com", 5))
	if res.Err != nil || res.Outcome != OutcomeReconciled {
		t.Fatalf("unexpected result %s %v", res.Outcome, res.Err)
	}
	ident, _ := dir.Get("carol")
	if ident.Attributes.Email != "new@example.com" {
		t.Fatalf("expected attributes to be forced, got %+v", ident)
	}
}

func TestApplyUnsequencedCreateOverwritesExisting(t *testing.T) {
	dir := newFakeDirectory()
	dir.Memory.CreateIdentity(context.Background(), "carol", domain.ReplicatedAttributes("old@example.com"))
	a := newTestApplier(dir, nil)

	res := a.Apply(context.Background(), createEvent("carol", "new@example.com", 0))
	if res.Err != nil || res.Outcome != OutcomeReconciled {
		t.Fatalf("unexpected result %s %v", res.Outcome, res.Err)
	}
	ident, _ := dir.Get("carol")
	if ident.Attributes.Email != "new@example.com" {
		t.Fatalf("expected attributes to be forced, got %+v", ident)
	}
	calls := dir.callsFor("carol")
	if len(calls) != 2 || calls[1].op != "update" {
		t.Fatalf("expected create then update, got %+v", calls)
	}
}

func TestApplyCreateAfterDeleteRestoresIdentity(t *testing.T) {
	dir := newFakeDirectory()
	a := newTestApplier(dir, NewMemorySequenceStore())
	ctx := context.Background()

	for _, ev := range []domain.ChangeEvent{
		createEvent("dana", "dana@example.com", 100),
		deleteEvent("dana", 200),
		createEvent("dana", "dana2@example.com", 300),
	} {
		if res := a.Apply(ctx, ev); res.Err != nil || res.Outcome != OutcomeApplied {
			t.Fatalf("%s: unexpected result %s %v", ev.Kind, res.Outcome, res.Err)
		}
	}
	ident, ok := dir.Get("dana")
	if !ok || ident.Attributes.Email != "dana2@example.com" {
		t.Fatalf("expected dana to be re-created, got %+v", ident)
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	dir := newFakeDirectory()
	dir.fail("create", "alice", transient("create", "alice"), transient("create", "alice"))
	a := newTestApplier(dir, nil)

	res := a.Apply(context.Background(), createEvent("alice", "alice@example.com", 0))
	if res.Err != nil || res.Outcome != OutcomeApplied {
		t.Fatalf("unexpected result %s %v", res.Outcome, res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestApplyRetryExhaustionFails(t *testing.T) {
	dir := newFakeDirectory()
	for i := 0; i < 5; i++ {
		dir.fail("update", "alice", transient("update", "alice"))
	}
	seq := NewMemorySequenceStore()
	a := newTestApplier(dir, seq)

	res := a.Apply(context.Background(), updateEvent("alice", "a@example.com", 7))
	if res.Outcome != OutcomeFailed || res.Outcome.Checkpoint() {
		t.Fatalf("expected failure without checkpoint, got %s", res.Outcome)
	}
	var failed *domain.ReplicationFailed
	if !errors.As(res.Err, &failed) || failed.Key != "alice" || failed.Kind != domain.ChangeUpdate {
		t.Fatalf("expected ReplicationFailed, got %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected retry budget of 3 attempts, got %d", res.Attempts)
	}
	if last, _ := seq.LastApplied(context.Background(), "alice"); last != 0 {
		t.Fatalf("sequence must not advance on failure, got %d", last)
	}
}

func TestApplyPermanentFailureIsRejected(t *testing.T) {
	dir := newFakeDirectory()
	dir.fail("create", "alice", permanent("create", "alice"))
	a := newTestApplier(dir, nil)

	res := a.Apply(context.Background(), createEvent("alice", "alice@example.com", 0))
	if res.Outcome != OutcomeRejected || !res.Outcome.Checkpoint() {
		t.Fatalf("expected rejection with checkpoint, got %s", res.Outcome)
	}
	var rejected *domain.ReplicationRejected
	if !errors.As(res.Err, &rejected) {
		t.Fatalf("expected ReplicationRejected, got %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("permanent failures must not be retried, got %d attempts", res.Attempts)
	}
}

func TestApplyCallTimeoutIsTransient(t *testing.T) {
	dir := newFakeDirectory()
	dir.fail("create", "slow", errBlock)
	a := NewApplier(dir, nil, ApplierConfig{RetryBudget: 2, CallTimeout: 20 * time.Millisecond}, nil)
	a.sleep = noSleep

	res := a.Apply(context.Background(), createEvent("slow", "slow@example.com", 0))
	if res.Err != nil || res.Outcome != OutcomeApplied || res.Attempts != 2 {
		t.Fatalf("expected timeout to be retried, got %s %v after %d attempts", res.Outcome, res.Err, res.Attempts)
	}
}

func TestApplyCancelledContextIsNotAttempted(t *testing.T) {
	dir := newFakeDirectory()
	a := newTestApplier(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := a.Apply(ctx, createEvent("alice", "alice@example.com", 0))
	if res.Outcome != OutcomeNotAttempted || res.Outcome.Checkpoint() {
		t.Fatalf("expected not attempted, got %s", res.Outcome)
	}
	if n := len(dir.callsFor("alice")); n != 0 {
		t.Fatalf("expected no directory call, got %d", n)
	}
}

func TestApplyUnavailableCarriesOutage(t *testing.T) {
	dir := newFakeDirectory()
	for i := 0; i < 3; i++ {
		dir.fail("delete", "bob", unavailable("delete", "bob"))
	}
	a := newTestApplier(dir, nil)

	res := a.Apply(context.Background(), deleteEvent("bob", 0))
	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, directory.ErrUnavailable) {
		t.Fatalf("expected outage failure, got %s %v", res.Outcome, res.Err)
	}
}

func TestApplyPassesVerifiedAttributes(t *testing.T) {
	dir := newFakeDirectory()
	a := newTestApplier(dir, nil)
	a.Apply(context.Background(), updateEvent("dave", "", 0))

	calls := dir.callsFor("dave")
	if len(calls) != 2 || calls[0].op != "update" || calls[1].op != "create" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	for _, c := range calls {
		if !c.attrs.Verified || c.attrs.Email != "" {
			t.Fatalf("unexpected attributes %+v", c.attrs)
		}
	}
}

func TestExponentialBackoffIsBounded(t *testing.T) {
	for attempt := 1; attempt < 20; attempt++ {
		d := exponentialBackoff(attempt, 100*time.Millisecond, time.Second)
		if d <= 0 || d > 1200*time.Millisecond {
			t.Fatalf("attempt %d: backoff %s out of range", attempt, d)
		}
	}
}

func TestExponentialBackoffGrows(t *testing.T) {
	first := exponentialBackoff(1, 100*time.Millisecond, 10*time.Second)
	fourth := exponentialBackoff(4, 100*time.Millisecond, 10*time.Second)
	if first < 80*time.Millisecond || first > 120*time.Millisecond {
		t.Fatalf("first backoff %s", first)
	}
	if fourth < 640*time.Millisecond || fourth > 960*time.Millisecond {
		t.Fatalf("fourth backoff %s", fourth)
	}
}
