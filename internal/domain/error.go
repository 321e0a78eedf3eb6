package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Orchestration errors
	ErrStaleEvent        = errors.New("stale provider event")
	ErrAttemptsExhausted = errors.New("dispatch attempts exhausted")
	ErrConfigMissing     = errors.New("required configuration missing")
	ErrLockBusy          = errors.New("job is locked by another reconcile")
	ErrImagesRejected    = errors.New("input images rejected by evaluator")
)
