package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Error taxonomy for provider calls
// =============================================================================

type ErrorType string

const (
	ErrorTypeAuth            ErrorType = "AUTH_ERROR"
	ErrorTypeRateLimit       ErrorType = "RATE_LIMIT"
	ErrorTypeServer          ErrorType = "SERVER_ERROR"
	ErrorTypeClient          ErrorType = "CLIENT_ERROR"
	ErrorTypeNetwork         ErrorType = "NETWORK_ERROR"
	ErrorTypeTokenCorruption ErrorType = "TOKEN_CORRUPTION"
)

// AllErrorTypes in reporting order.
var AllErrorTypes = []ErrorType{
	ErrorTypeAuth,
	ErrorTypeRateLimit,
	ErrorTypeServer,
	ErrorTypeClient,
	ErrorTypeNetwork,
	ErrorTypeTokenCorruption,
}

// SyncError is a classified provider-call failure.
type SyncError struct {
	Type                 ErrorType
	Retryable            bool
	RequiresReconnection bool
	StatusCode           int           // provider HTTP status, 0 when not applicable
	RetryAfter           time.Duration // provider hint, 0 when absent
	Message              string
	Err                  error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewAuthError - reconnect decides whether retrying a refresh can ever help.
func NewAuthError(status int, reconnect bool, err error) *SyncError {
	return &SyncError{Type: ErrorTypeAuth, StatusCode: status, RequiresReconnection: reconnect, Err: err}
}

func NewRateLimitError(status int, retryAfter time.Duration, err error) *SyncError {
	return &SyncError{Type: ErrorTypeRateLimit, Retryable: true, StatusCode: status, RetryAfter: retryAfter, Err: err}
}

func NewServerError(status int, err error) *SyncError {
	return &SyncError{Type: ErrorTypeServer, Retryable: true, StatusCode: status, Err: err}
}

func NewClientError(status int, err error) *SyncError {
	return &SyncError{Type: ErrorTypeClient, StatusCode: status, Err: err}
}

func NewNetworkError(err error) *SyncError {
	return &SyncError{Type: ErrorTypeNetwork, Retryable: true, Err: err}
}

func NewTokenCorruptionError(err error) *SyncError {
	return &SyncError{
		Type:                 ErrorTypeTokenCorruption,
		RequiresReconnection: true,
		Message:              "stored refresh token could not be decrypted",
		Err:                  err,
	}
}

// AsSyncError unwraps err into a *SyncError. Unclassified errors
// (timeouts, dropped connections) count as network failures.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncError{Type: ErrorTypeNetwork, Retryable: true, Message: "provider call timed out", Err: err}
	}
	return NewNetworkError(err)
}

// IsAuthError reports whether err is a classified AUTH_ERROR.
func IsAuthError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Type == ErrorTypeAuth
}

// =============================================================================
// Disposition - Ok | Retryable | Permanent | RequiresReconnection
// =============================================================================

type DispositionKind string

const (
	DispositionOK                   DispositionKind = "OK"
	DispositionRetryable            DispositionKind = "RETRYABLE"
	DispositionPermanent            DispositionKind = "PERMANENT"
	DispositionRequiresReconnection DispositionKind = "REQUIRES_RECONNECTION"
)

type Disposition struct {
	Kind  DispositionKind
	Error *SyncError
}

// Classify turns the outcome of a sync attempt into a disposition.
func Classify(err error) Disposition {
	if err == nil {
		return Disposition{Kind: DispositionOK}
	}
	se := AsSyncError(err)
	switch {
	case se.RequiresReconnection:
		return Disposition{Kind: DispositionRequiresReconnection, Error: se}
	case se.Retryable:
		return Disposition{Kind: DispositionRetryable, Error: se}
	default:
		return Disposition{Kind: DispositionPermanent, Error: se}
	}
}
