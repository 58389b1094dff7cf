package treasury

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError is returned for a malformed request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsErrorValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// UnrecordedPaymentError is returned when the chain accepted a withdrawal but
// the ledger could not record it. The payment is out; the pending record is
// confirmed by the next synchronizer cycle or by an operator.
type UnrecordedPaymentError struct {
	TxID           string
	IdempotencyKey string
	Err            error
}

func (e *UnrecordedPaymentError) Error() string {
	return fmt.Sprintf("payment %s (key %s) was broadcast but not recorded: %s", e.TxID, e.IdempotencyKey, e.Err)
}

func (e *UnrecordedPaymentError) Unwrap() error {
	return e.Err
}

func IsErrorUnrecordedPayment(err error) bool {
	var target *UnrecordedPaymentError
	return errors.As(err, &target)
}
