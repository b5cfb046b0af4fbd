package transport

import "github.com/adred-codev/mtgateway/internal/errs"

var (
	errNotConnected   = &errs.NotConnectedError{Message: "socket not connected"}
	errConnectTimeout = &errs.TimeoutError{Message: "connect timed out"}
)
