package engine

import "errors"

// Ledger failure kinds. Operations wrap these with detail; callers branch
// with errors.Is. Unauthorized callers get auth.UnauthorizedError and unknown
// entities get repo.ErrNotFound.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid stream state")
	ErrTooSoon           = errors.New("release interval not elapsed")
	ErrNothingToRelease  = errors.New("nothing to release")
	ErrNothingToClaim    = errors.New("nothing to claim")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferFailed    = errors.New("transfer failed")
)
