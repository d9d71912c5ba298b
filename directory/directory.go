package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/tak-kam/cognito-dr/domain"
)

// Directory is the capability bound client for an identity directory.
type Directory interface {
	CreateIdentity(ctx context.Context, key string, attrs domain.Attributes) error
	UpdateIdentityAttributes(ctx context.Context, key string, attrs domain.Attributes) error
	DeleteIdentity(ctx context.Context, key string) error
}

// Kind classifies directory failures.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindTransient     Kind = "transient"
	// KindUnavailable is a transient failure of the whole directory rather than
	// of a single call.
	KindUnavailable Kind = "unavailable"
	KindPermanent   Kind = "permanent"
)

var (
	ErrNotFound      = errors.New("identity not found")
	ErrAlreadyExists = errors.New("identity already exists")
	ErrTransient     = errors.New("transient directory failure")
	ErrUnavailable   = errors.New("directory unavailable")
	ErrPermanent     = errors.New("permanent directory failure")
)

// Error is returned by Directory implementations.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("directory %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels against the error kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	case ErrTransient:
		return e.Kind == KindTransient || e.Kind == KindUnavailable
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrPermanent:
		return e.Kind == KindPermanent
	}
	return false
}

// KindOf returns the failure kind of err. Errors that did not come from a
// Directory are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindTransient
}

// Retryable reports whether err may succeed when retried.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindUnavailable
}
