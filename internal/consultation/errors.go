package consultation

import "errors"

var (
	ErrTurnInFlight        = errors.New("a turn is already in progress")
	ErrEmptyAnswer         = errors.New("answer is empty")
	ErrVerificationPending = errors.New("emergency verification is pending")
	ErrNoVerification      = errors.New("no emergency verification is pending")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session is closed")
	ErrNothingToRetry      = errors.New("no failed turn to retry")
	ErrFinalizeFailed      = errors.New("finalization failed")
	ErrInvalidOutcome      = errors.New("invalid verification outcome")
)
