package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("operation failed")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Reconciliation error taxonomy. These classify how a confirmation was
	// disposed of; only ErrAmountMismatch and ErrActivationFailed are
	// operator-visible conditions.
	ErrMalformedConfirmation = errors.New("malformed confirmation")
	ErrVerificationFailed    = errors.New("confirmation verification failed")
	ErrAmountMismatch        = errors.New("reported amount does not match intent")
	ErrReplayDetected        = errors.New("confirmation replay detected")
	ErrActivationFailed      = errors.New("entitlement activation failed")
	ErrIntentTerminal        = errors.New("intent is in a terminal state")
	ErrUnknownProvider       = errors.New("unknown payment provider")
)
