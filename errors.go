package main

import (
	"errors"
	"strings"
)

var (
	ErrLedgerUnavailable = errors.New("ledger unavailable: retry budget exhausted")
	ErrNotFound          = errors.New("no matching OTP request")
	ErrBusy              = errors.New("previous authorization for this phone is not finished")
	ErrQueueTimeout      = errors.New("timed out waiting in the authorization queue")
	ErrConflict          = errors.New("concurrent OTP requests collided")
	ErrCodeTimeout       = errors.New("timed out waiting for the code")
	ErrNoMatchingMessage = errors.New("no matching email")
	ErrCodeEntry         = errors.New("code does not fit the input cells")
	ErrPageTimeout       = errors.New("page did not finish loading")
	ErrPageUnavailable   = errors.New("login page unavailable")
	ErrBrowserClosed     = errors.New("browser window closed")
	ErrElementTimeout    = errors.New("element not found in time")
	ErrUnknownMarket     = errors.New("unknown marketplace")
	ErrQueueFull         = errors.New("launch queue is full")
	ErrLauncherClosed    = errors.New("launcher is shut down")
)

// ledger-level insert outcomes, mapped by the coordinator
var (
	errDuplicateRequestTime = errors.New("duplicate request time")
	errOpenRequestExists    = errors.New("open request exists for phone")
	errUnknownUser          = errors.New("unknown user")
)

// AuthError is the terminal failure of a login flow. Message is what the
// operator sees.
type AuthError struct {
	Market  string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Market == "" {
		return e.Message
	}
	return e.Market + ": " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// newAuthError builds the operator-facing message from the first line of the
// cause, the way automation failures are reported on screen.
func newAuthError(market string, err error) *AuthError {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return &AuthError{
		Market:  market,
		Message: T("auth_failed", msg),
		Err:     err,
	}
}
