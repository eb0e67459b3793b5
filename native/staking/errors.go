package staking

import "errors"

var (
	ErrUnauthorized        = errors.New("staking: you are not authorized to perform this action")
	ErrNotAllowed          = errors.New("staking: operation not allowed")
	ErrStakingNotStarted   = errors.New("staking: staking has not started")
	ErrStakingEnded        = errors.New("staking: staking has ended")
	ErrStakingNotEnded     = errors.New("staking: staking has not ended")
	ErrTokenAmountTooSmall = errors.New("staking: amount must be greater than zero")
	ErrTokenAmountTooBig   = errors.New("staking: amount exceeds representable range")
	ErrReachMaxDeposit     = errors.New("staking: deposit exceeds the per-address cap")
	ErrTransferFailed      = errors.New("staking: token transfer failed")

	ErrPoolExists    = errors.New("staking: pool already opened")
	ErrPoolNotFound  = errors.New("staking: pool not opened")
	ErrStakeNotFound = errors.New("staking: stake account not found")
	ErrInvalidWindow = errors.New("staking: start time must be before end time")

	errNilStore  = errors.New("staking: account store not configured")
	errNilLedger = errors.New("staking: token ledger not configured")
)
