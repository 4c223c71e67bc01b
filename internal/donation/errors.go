package donation

import (
	"errors"
	"fmt"
)

// ErrStoreFault marks failures of the underlying ledger store, as opposed to
// business outcomes. Callers of Create and AttachCorrelationToken see it;
// the callback ingress logs it and still acknowledges the provider.
var ErrStoreFault = errors.New("ledger store fault")

// ValidationError rejects input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func storeFault(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFault, op, err)
}
