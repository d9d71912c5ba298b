package replicator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tak-kam/cognito-dr/directory"
	"github.com/tak-kam/cognito-dr/domain"
)

var errBlock = errors.New("block until deadline")

type dirCall struct {
	op    string
	key   string
	attrs domain.Attributes
}

// fakeDirectory records every call and returns scripted errors before
// delegating to an in-memory directory.
type fakeDirectory struct {
	*directory.Memory

	mu     sync.Mutex
	calls  []dirCall
	script map[string][]error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{Memory: directory.NewMemory(), script: map[string][]error{}}
}

// fail queues errs for the next calls of op on key.
func (f *fakeDirectory) fail(op, key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[op+":"+key] = append(f.script[op+":"+key], errs...)
}

func (f *fakeDirectory) record(ctx context.Context, op, key string, attrs domain.Attributes) error {
	f.mu.Lock()
	f.calls = append(f.calls, dirCall{op: op, key: key, attrs: attrs})
	var err error
	if q := f.script[op+":"+key]; len(q) > 0 {
		err, f.script[op+":"+key] = q[0], q[1:]
	}
	f.mu.Unlock()
	if err == errBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeDirectory) CreateIdentity(ctx context.Context, key string, attrs domain.Attributes) error {
	if err := f.record(ctx, "create", key, attrs); err != nil {
		return err
	}
	return f.Memory.CreateIdentity(ctx, key, attrs)
}

func (f *fakeDirectory) UpdateIdentityAttributes(ctx context.Context, key string, attrs domain.Attributes) error {
	if err := f.record(ctx, "update", key, attrs); err != nil {
		return err
	}
	return f.Memory.UpdateIdentityAttributes(ctx, key, attrs)
}

func (f *fakeDirectory) DeleteIdentity(ctx context.Context, key string) error {
	if err := f.record(ctx, "delete", key, domain.Attributes{}); err != nil {
		return err
	}
	return f.Memory.DeleteIdentity(ctx, key)
}

func (f *fakeDirectory) callsFor(key string) []dirCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dirCall
	for _, c := range f.calls {
		if c.key == key {
			out = append(out, c)
		}
	}
	return out
}

func transient(op, key string) error {
	return &directory.Error{Op: op, Key: key, Kind: directory.KindTransient, Err: errors.New("throttled")}
}

func unavailable(op, key string) error {
	return &directory.Error{Op: op, Key: key, Kind: directory.KindUnavailable, Err: errors.New("connection refused")}
}

func permanent(op, key string) error {
	return &directory.Error{Op: op, Key: key, Kind: directory.KindPermanent, Err: errors.New("invalid parameter")}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestApplier(dir directory.Directory, seq SequenceStore) *Applier {
	a := NewApplier(dir, seq, ApplierConfig{RetryBudget: 3, CallTimeout: time.Second}, nil)
	a.sleep = noSleep
	return a
}

func createEvent(key, email string, seq int64) domain.ChangeEvent {
	return domain.ChangeEvent{ID: "c-" + key, Kind: domain.ChangeCreate, Key: key, After: &domain.Snapshot{Key: key, Email: email}, Sequence: seq}
}

func updateEvent(key, email string, seq int64) domain.ChangeEvent {
	return domain.ChangeEvent{ID: "u-" + key, Kind: domain.ChangeUpdate, Key: key, After: &domain.Snapshot{Key: key, Email: email}, Sequence: seq}
}

func deleteEvent(key string, seq int64) domain.ChangeEvent {
	return domain.ChangeEvent{ID: "d-" + key, Kind: domain.ChangeDelete, Key: key, Before: &domain.Snapshot{Key: key}, Sequence: seq}
}
