package models

import "errors"

type Code string

const (
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeUserNotFound        Code = "USER_NOT_FOUND"
	CodeDuplicateTx         Code = "DUPLICATE_TRANSACTION"
	CodeEntryNotFound       Code = "TRANSACTION_NOT_FOUND"
	CodeActiveSessionExists Code = "ACTIVE_SESSION_EXISTS"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeNotOwner            Code = "NOT_OWNER"
	CodeAlreadyTerminal     Code = "ALREADY_TERMINAL"
	CodeNothingToSettle     Code = "NOTHING_TO_SETTLE"
	CodeRoundNotAccepting   Code = "ROUND_NOT_ACCEPTING_BETS"
	CodeRoundNotRunning     Code = "ROUND_NOT_RUNNING"
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
)

// Error carries a taxonomy code. Two errors match under errors.Is when
// their codes are equal, so the sentinels below work as targets.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func WrapError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return string(e.Code) + ": " + e.Message
	case e.Err != nil:
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may repeat the request with the same
// idempotency key.
func (e *Error) Retryable() bool {
	return e.Code == CodeStoreUnavailable
}

var (
	ErrInvalidAmount       = NewError(CodeInvalidAmount, "")
	ErrInvalidInput        = NewError(CodeInvalidInput, "")
	ErrInsufficientFunds   = NewError(CodeInsufficientFunds, "")
	ErrUserNotFound        = NewError(CodeUserNotFound, "")
	ErrDuplicateTx         = NewError(CodeDuplicateTx, "")
	ErrEntryNotFound       = NewError(CodeEntryNotFound, "")
	ErrActiveSessionExists = NewError(CodeActiveSessionExists, "")
	ErrSessionNotFound     = NewError(CodeSessionNotFound, "")
	ErrNotOwner            = NewError(CodeNotOwner, "")
	ErrAlreadyTerminal     = NewError(CodeAlreadyTerminal, "")
	ErrNothingToSettle     = NewError(CodeNothingToSettle, "")
	ErrRoundNotAccepting   = NewError(CodeRoundNotAccepting, "")
	ErrRoundNotRunning     = NewError(CodeRoundNotRunning, "")
	ErrVerificationFailed  = NewError(CodeVerificationFailed, "")
	ErrStoreUnavailable    = NewError(CodeStoreUnavailable, "")
)

// CodeOf extracts the taxonomy code, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
