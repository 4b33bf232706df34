package service

import "errors"

var (
	ErrUnsupportedTokenPair   = errors.New("unsupported token pair")
	ErrAmountBelowFees        = errors.New("amount below fees")
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrNotOwner               = errors.New("caller does not own this bridge transaction")
	ErrNotFound               = errors.New("bridge transaction not found")
	ErrRetryLimitExceeded     = errors.New("retry limit exceeded")
	ErrRetryTooSoon           = errors.New("retry requested too soon")
	ErrNotVerified            = errors.New("ledger payment not verified")
	ErrInvalidRequest         = errors.New("invalid request")
)
