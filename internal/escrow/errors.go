package escrow

import (
	"errors"
	"fmt"
)

// Kind classifies why an escrow operation was rejected.
type Kind string

const (
	KindAccessDenied       Kind = "AccessDenied"
	KindInvalidState       Kind = "InvalidState"
	KindInsufficientFunds  Kind = "InsufficientFunds"
	KindTimeLockNotElapsed Kind = "TimeLockNotElapsed"
	KindInvalidPercentage  Kind = "InvalidPercentage"
)

// Error is returned for every violated precondition. A failed call never
// mutates the escrow.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on Kind so callers can use errors.Is with the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrAccessDenied       = &Error{Kind: KindAccessDenied}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrTimeLockNotElapsed = &Error{Kind: KindTimeLockNotElapsed}
	ErrInvalidPercentage  = &Error{Kind: KindInvalidPercentage}
)

const (
	msgOnlySeller         = "Only seller can call this function."
	msgOnlyBuyer          = "Only buyer can call this function."
	msgOnlySellerOrBuyer  = "Only seller or buyer can call this function."
	msgOnlyAgent          = "Only agent can call this function."
	msgTransactionFailed  = "Transaction failed."
	msgBuyerReleaseStatus = "Status can be only DEPLOYED, FULFILLED or DISPUTED"
	msgSellerReleaseState = "Seller cannot call the function with status is not equal FULFILLED"
	msgNotEnoughTokens    = "Not enough tokens on this contract"
	msgTimeLock           = "Save buyer time is not finished yet"
	msgPercentSum         = "Percentages must add up to 100"
	msgAgentFeeRange      = "Agent fee percent must be between 1 and 3 inclusive"
)

func accessDenied(msg string) error { return &Error{Kind: KindAccessDenied, Message: msg} }
func invalidState(msg string) error { return &Error{Kind: KindInvalidState, Message: msg} }
func invalidPercent(msg string) error { return &Error{Kind: KindInvalidPercentage, Message: msg} }

func insufficientFunds() error {
	return &Error{Kind: KindInsufficientFunds, Message: msgNotEnoughTokens}
}

func timeLockNotElapsed() error {
	return &Error{Kind: KindTimeLockNotElapsed, Message: msgTimeLock}
}

// KindOf returns the escrow error kind of err, or "" when err is not a
// precondition failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// LedgerError reports that the token ledger could not be read or did not
// accept a transfer. The escrow state is unchanged when it is returned.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string { return "ledger " + e.Op + ": " + e.Err.Error() }

func (e *LedgerError) Unwrap() error { return e.Err }
