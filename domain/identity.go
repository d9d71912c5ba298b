package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Attributes carries the identity attributes written to a directory.
type Attributes struct {
	Email    string
	Verified bool
}

// ReplicatedAttributes returns the attributes used for replication driven
// writes. The secondary directory trusts the primary's verification.
func ReplicatedAttributes(email string) Attributes {
	return Attributes{Email: email, Verified: true}
}

// Record is the ledger's mirror of a primary identity.
type Record struct {
	Key       string
	Email     string
	Sequence  int64
	UpdatedAt time.Time
}

var validate = validator.New()

// ValidateEmail reports whether email is a syntactically valid address.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrMissingEmail
	}
	if err := validate.Var(email, "email"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}
