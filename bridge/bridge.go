package bridge

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/domain"
)

// RecordStore is the record store written by the bridge.
type RecordStore interface {
	UpsertRecord(ctx context.Context, key, email string) (domain.Record, error)
}

// Confirmation is the primary directory's signal for a newly confirmed
// identity.
type Confirmation struct {
	UserName string
	Email    string
}

// Bridge mirrors confirmed primary identities into the record store.
type Bridge struct {
	store RecordStore
}

func New(store RecordStore) *Bridge {
	return &Bridge{store: store}
}

// OnConfirmed upserts the confirmed identity. Errors are returned to the
// caller, which owns the retry policy.
func (b *Bridge) OnConfirmed(ctx context.Context, c Confirmation) (domain.Record, error) {
	if c.UserName == "" {
		return domain.Record{}, domain.ErrMissingKey
	}
	if err := domain.ValidateEmail(c.Email); err != nil {
		return domain.Record{}, err
	}
	rec, err := b.store.UpsertRecord(ctx, c.UserName, c.Email)
	if err != nil {
		return domain.Record{}, fmt.Errorf("record confirmed identity %q: %w", c.UserName, err)
	}
	log.WithFields(log.Fields{"key": rec.Key, "sequence": rec.Sequence}).Info("confirmed identity recorded")
	return rec, nil
}
