package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/tak-kam/cognito-dr/domain"
)

type fakeStore struct {
	calls []domain.Record
	err   error
}

func (f *fakeStore) UpsertRecord(ctx context.Context, key, email string) (domain.Record, error) {
	f.calls = append(f.calls, domain.Record{Key: key, Email: email})
	if f.err != nil {
		return domain.Record{}, f.err
	}
	return domain.Record{Key: key, Email: email, Sequence: 1}, nil
}

func TestOnConfirmedUpsertsRecord(t *testing.T) {
	store := &fakeStore{}
	b := New(store)
	rec, err := b.OnConfirmed(context.Background(), Confirmation{UserName: "alice", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Key != "alice" || len(store.calls) != 1 || store.calls[0].Email != "alice@example.com" {
		t.Fatalf("unexpected upsert %+v", store.calls)
	}
}

func TestOnConfirmedValidatesFields(t *testing.T) {
	tests := []struct {
		name string
		in   Confirmation
		want error
	}{
		{"missing user name", Confirmation{Email: "a@example.com"}, domain.ErrMissingKey},
		{"invalid email", Confirmation{UserName: "alice", Email: "nope"}, domain.ErrInvalidEmail},
		{"missing email", Confirmation{UserName: "alice"}, domain.ErrMissingEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			_, err := New(store).OnConfirmed(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(store.calls) != 0 {
				t.Fatalf("store must not be called")
			}
		})
	}
}

func TestOnConfirmedSurfacesStoreFailure(t *testing.T) {
	boom := errors.New("store unreachable")
	store := &fakeStore{err: boom}
	_, err := New(store).OnConfirmed(context.Background(), Confirmation{UserName: "alice", Email: "alice@example.com"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(store.calls) != 1 {
		t.Fatalf("failure must not be retried, got %d calls", len(store.calls))
	}
}
