// Package errs holds the gateway error taxonomy shared by the public
// mtgateway facade and the internal rpc/transport/subscribe packages.
// It exists as its own package (rather than living in the root package)
// purely to break the import cycle: internal/rpc needs to classify
// server error frames, but the root package imports internal/rpc to
// wire the client together, so the taxonomy can't live in the root
// package. The root package re-exports these as type aliases so public
// callers never see this import path.
package errs

import (
	"encoding/json"
	"fmt"
)

// Error is the common interface satisfied by every taxonomy error.
type Error interface {
	error
	gatewayError()
}

type ValidationError struct {
	Message string
	Details any
}

func (e *ValidationError) Error() string { return "validation error: " + e.Message }
func (*ValidationError) gatewayError()   {}

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return "not found: " + e.Message }
func (*NotFoundError) gatewayError()   {}

type NotSynchronizedError struct{ Message string }

func (e *NotSynchronizedError) Error() string { return "not synchronized: " + e.Message }
func (*NotSynchronizedError) gatewayError()   {}

type TimeoutError struct{ Message string }

func (e *TimeoutError) Error() string { return "timeout: " + e.Message }
func (*TimeoutError) gatewayError()   {}

type NotConnectedError struct{ Message string }

func (e *NotConnectedError) Error() string { return "not connected: " + e.Message }
func (*NotConnectedError) gatewayError()   {}

type TradeError struct {
	Message     string
	NumericCode int
	StringCode  string
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("trade error %s (%d): %s", e.StringCode, e.NumericCode, e.Message)
}
func (*TradeError) gatewayError() {}

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return "unauthorized: " + e.Message }
func (*UnauthorizedError) gatewayError()   {}

// LockType distinguishes the three subscribe-lock scopes the gateway can
// signal via a TooManyRequests response.
type LockType int

const (
	LockUnknown LockType = iota
	LockPerUser
	LockPerServer
	LockPerUserPerServer
)

func (t LockType) String() string {
	switch t {
	case LockPerUser:
		return "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER"
	case LockPerServer:
		return "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_SERVER"
	case LockPerUserPerServer:
		return "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER_PER_SERVER"
	default:
		return "unknown"
	}
}

// TooManyRequestsError carries the cooldown metadata the subscription
// supervisor and socket pool need to install a SubscribeLock.
type TooManyRequestsError struct {
	Message              string
	Type                 LockType
	RecommendedRetryTime int64 // unix millis
	LockedAtAccounts     int
}

func (e *TooManyRequestsError) Error() string {
	return "too many requests (" + e.Type.String() + "): " + e.Message
}
func (*TooManyRequestsError) gatewayError() {}

type InternalError struct{ Message string }

func (e *InternalError) Error() string { return "internal error: " + e.Message }
func (*InternalError) gatewayError()   {}

// ErrorFrame is the inbound {requestId, error, message, ...} envelope a
// response or processingError event carries when an RPC failed.
type ErrorFrame struct {
	RequestID   string          `json:"requestId"`
	ErrorKind   string          `json:"error"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
	NumericCode int             `json:"numericCode,omitempty"`
	StringCode  string          `json:"stringCode,omitempty"`
	Metadata    *ErrorMetadata  `json:"metadata,omitempty"`
}

// ErrorMetadata carries the TooManyRequests-specific cooldown hints.
type ErrorMetadata struct {
	Type                 string `json:"type"`
	RecommendedRetryTime int64  `json:"recommendedRetryTime"`
	LockedAtAccounts     int    `json:"lockedAtAccounts"`
}

// ClassifyError converts a server error frame into the matching taxonomy
// member. Unknown error kinds degrade to InternalError rather than
// failing the classification, matching the defensive stance spec.md §7
// requires for malformed/unexpected payloads.
func ClassifyError(frame ErrorFrame) Error {
	switch frame.ErrorKind {
	case "ValidationError":
		return &ValidationError{Message: frame.Message, Details: frame.Details}
	case "NotFoundError":
		return &NotFoundError{Message: frame.Message}
	case "NotSynchronizedError":
		return &NotSynchronizedError{Message: frame.Message}
	case "TimeoutError":
		return &TimeoutError{Message: frame.Message}
	case "NotConnectedError", "NotAuthenticatedError":
		return &NotConnectedError{Message: frame.Message}
	case "TradeError":
		return &TradeError{Message: frame.Message, NumericCode: frame.NumericCode, StringCode: frame.StringCode}
	case "UnauthorizedError":
		return &UnauthorizedError{Message: frame.Message}
	case "TooManyRequestsError":
		te := &TooManyRequestsError{Message: frame.Message}
		if frame.Metadata != nil {
			te.RecommendedRetryTime = frame.Metadata.RecommendedRetryTime
			te.LockedAtAccounts = frame.Metadata.LockedAtAccounts
			switch frame.Metadata.Type {
			case "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER":
				te.Type = LockPerUser
			case "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_SERVER":
				te.Type = LockPerServer
			case "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER_PER_SERVER":
				te.Type = LockPerUserPerServer
			}
		}
		return te
	default:
		return &InternalError{Message: frame.Message}
	}
}

// ErrConnectionClosed is returned to every pending RPC when the owning
// socket pool is closed out from under it.
var ErrConnectionClosed = &InternalError{Message: "connection closed"}

// IsRetryable reports whether the error taxonomy member should feed the
// RPC multiplexer's exponential-backoff retry branch (spec.md §4.6 step
// 4): NotSynchronized, Timeout, NotConnected ("NotAuthenticated" in the
// upstream protocol), Internal.
func IsRetryable(err error) bool {
	switch err.(type) {
	case *NotSynchronizedError, *TimeoutError, *NotConnectedError, *InternalError:
		return true
	default:
		return false
	}
}
