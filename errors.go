package mtgateway

import "github.com/adred-codev/mtgateway/internal/errs"

// The public error taxonomy is defined once in internal/errs (it has to
// live where internal/rpc can reach it without importing this package
// back) and re-exported here as aliases so callers only ever need to
// import the root package.
type (
	Error                = errs.Error
	ValidationError       = errs.ValidationError
	NotFoundError         = errs.NotFoundError
	NotSynchronizedError  = errs.NotSynchronizedError
	TimeoutError          = errs.TimeoutError
	NotConnectedError     = errs.NotConnectedError
	TradeError            = errs.TradeError
	UnauthorizedError     = errs.UnauthorizedError
	TooManyRequestsError  = errs.TooManyRequestsError
	InternalError         = errs.InternalError
	ErrorFrame            = errs.ErrorFrame
	ErrorMetadata         = errs.ErrorMetadata
	LockType              = errs.LockType
)

const (
	LockUnknown          = errs.LockUnknown
	LockPerUser          = errs.LockPerUser
	LockPerServer        = errs.LockPerServer
	LockPerUserPerServer = errs.LockPerUserPerServer
)

// ClassifyError converts a server error frame into the matching taxonomy
// member.
func ClassifyError(frame ErrorFrame) Error { return errs.ClassifyError(frame) }

// ErrConnectionClosed is returned to every pending RPC when the owning
// socket pool is closed out from under it.
var ErrConnectionClosed = errs.ErrConnectionClosed
