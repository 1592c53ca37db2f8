package vault

import (
	"errors"
	"fmt"
	"math/big"

	nativecommon "nhbvault/native/common"
)

var (
	ErrInvalidParams         = errors.New("vault: invalid construction parameters")
	ErrNotConfigured         = errors.New("vault: engine not configured")
	ErrZeroAmount            = errors.New("vault: amount must be positive")
	ErrInvalidAmount         = errors.New("vault: amount out of range")
	ErrInvalidAsset          = errors.New("vault: invalid asset")
	ErrInvalidCaller         = errors.New("vault: caller identity required")
	ErrUnauthorized          = errors.New("vault: caller is not the operator")
	ErrPaused                = nativecommon.ErrModulePaused
	ErrReentrancy            = nativecommon.ErrReentrant
	ErrCapacityExceeded      = errors.New("vault: capacity exceeded")
	ErrWithdrawLimitExceeded = errors.New("vault: withdraw limit exceeded")
	ErrInsufficientFunds     = errors.New("vault: insufficient funds")
	ErrConversionFailed      = errors.New("vault: conversion failed")
	ErrInsufficientLiquidity = errors.New("vault: insufficient liquidity")
	ErrTransferFailed        = errors.New("vault: transfer failed")
	ErrInvariantViolated     = errors.New("vault: ledger invariant violated")
)

// CapacityError reports a credit that would push the aggregate total past the
// capacity ceiling.
type CapacityError struct {
	Ceiling   *big.Int
	Attempted *big.Int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: ceiling %s, attempted total %s", ErrCapacityExceeded, FormatAmount(e.Ceiling), FormatAmount(e.Attempted))
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// FundsError reports a debit larger than the depositor's balance.
type FundsError struct {
	Available *big.Int
	Requested *big.Int
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("%s: available %s, requested %s", ErrInsufficientFunds, FormatAmount(e.Available), FormatAmount(e.Requested))
}

func (e *FundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// LimitError reports a withdrawal above the per-call ceiling.
type LimitError struct {
	Limit     *big.Int
	Requested *big.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: limit %s, requested %s", ErrWithdrawLimitExceeded, FormatAmount(e.Limit), FormatAmount(e.Requested))
}

func (e *LimitError) Is(target error) bool { return target == ErrWithdrawLimitExceeded }

// Kind groups failures by how a caller is expected to react.
type Kind int

const (
	KindNone Kind = iota
	// KindValidation covers malformed input; retry with corrected arguments.
	KindValidation
	// KindAuthorization covers operator checks and the pause gate.
	KindAuthorization
	// KindCapacity covers capacity, withdraw limit and balance shortfalls.
	KindCapacity
	// KindReentrancy marks a nested or overlapping guarded call.
	KindReentrancy
	// KindExternal covers venue and transfer failures.
	KindExternal
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindCapacity:
		return "capacity"
	case KindReentrancy:
		return "reentrancy"
	case KindExternal:
		return "external"
	default:
		return "internal"
	}
}

// KindOf classifies err. Reentrancy wins over every other classification
// because it must never be mistaken for a recoverable failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrReentrancy):
		return KindReentrancy
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAsset),
		errors.Is(err, ErrInvalidCaller):
		return KindValidation
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrPaused):
		return KindAuthorization
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrWithdrawLimitExceeded), errors.Is(err, ErrInsufficientFunds):
		return KindCapacity
	case errors.Is(err, ErrConversionFailed), errors.Is(err, ErrInsufficientLiquidity), errors.Is(err, ErrTransferFailed):
		return KindExternal
	default:
		return KindInternal
	}
}
