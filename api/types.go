package api

import (
	"context"

	"github.com/tak-kam/cognito-dr/bridge"
	"github.com/tak-kam/cognito-dr/domain"
)

// Authenticator validates Authorization header values.
type Authenticator interface {
	SubjectFromAuthHeader(string) (string, error)
}

// RecordStore is the part of the record store the handlers write to.
type RecordStore interface {
	UpsertRecord(ctx context.Context, key, email string) (domain.Record, error)
	DeleteRecord(ctx context.Context, key string) error
}

// Confirmer handles primary confirmation signals.
type Confirmer interface {
	OnConfirmed(ctx context.Context, c bridge.Confirmation) (domain.Record, error)
}
