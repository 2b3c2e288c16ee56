package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger components.
var (
	// Lookup and validation failures. Callers turn these into user-facing
	// messages; they never indicate corrupted state.
	ErrInvalidOperand         = errors.New("invalid operand")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrPaymentMethodNotFound  = errors.New("payment method not found")
	ErrConsumptionNotFound    = errors.New("consumption not found")
	ErrWebhookEventNotFound   = errors.New("webhook event not found")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrInvalidStudentID       = errors.New("invalid student id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidIntentID        = errors.New("invalid intent id")
	ErrInvalidGatewayEventID  = errors.New("invalid gateway event id")
	ErrInvalidConsumptionID   = errors.New("invalid consumption id")
	ErrInvalidSessionRef      = errors.New("invalid session ref")
	ErrInvalidMetadata        = errors.New("invalid metadata")
	ErrInvalidWebhookStatus   = errors.New("invalid webhook status")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrDuplicateIntent        = errors.New("duplicate gateway intent")
	ErrLockUnavailable        = errors.New("lock unavailable")

	// Invariant violations. These indicate a bug or a lost race and must
	// surface to the caller instead of being swallowed.
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrDuplicateConsumption = errors.New("duplicate consumption")
	ErrAlreadyRefunded      = errors.New("already refunded")
	ErrStudentImmutable     = errors.New("student already attached")
)

// IsInvariantViolation reports whether err signals a broken ledger invariant.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateConsumption) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrStudentImmutable)
}

// IsLookupFailure reports whether err is a validation or lookup outcome meant
// for user-facing messaging.
func IsLookupFailure(err error) bool {
	return errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrPaymentMethodNotFound) ||
		errors.Is(err, ErrConsumptionNotFound) ||
		errors.Is(err, ErrInvalidOperand)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// TransitionError describes a refused transaction state change.
type TransitionError struct {
	TransactionID TransactionID
	From          TransactionStatus
	To            TransactionStatus
}

func (transitionError *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: transaction %s %s -> %s", transitionError.TransactionID.String(), transitionError.From, transitionError.To)
}

// Unwrap returns ErrInvalidTransition.
func (transitionError *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
