package transport

import (
	"time"

	"github.com/adred-codev/mtgateway/internal/errs"
)

// SubscribeLock is a client-side cooldown derived from a server rate-limit
// response. The global variant applies pool-wide; per-socket variants
// apply only to the socket that received them. Type reuses the same
// tagged LockType the error taxonomy already defines for
// TooManyRequestsError.Type, since a lock is always installed directly
// from one of those errors.
type SubscribeLock struct {
	Type                 errs.LockType
	RecommendedRetryTime time.Time
	LockedAtAccounts     int
	LockedAtTime         time.Time // global only
}

// skipSocket reports whether assign() should pass over a socket carrying
// this per-socket lock, given its current subscribed-account count. Table
// from spec.md §4.5.
func (l SubscribeLock) skipSocket(now time.Time, subscribedCount int) bool {
	switch l.Type {
	case errs.LockPerUserPerServer:
		return now.Before(l.RecommendedRetryTime) || subscribedCount >= l.LockedAtAccounts
	case errs.LockPerServer:
		return now.Before(l.RecommendedRetryTime) && subscribedCount >= l.LockedAtAccounts
	default:
		return false
	}
}

// globalLockClears reports whether a global subscribe-lock has cleared
// enough to resume placement, given the pool's total assigned-account
// count and the configured cooldown window.
func (l SubscribeLock) globalLockClears(now time.Time, totalAccounts int, cooldown time.Duration) bool {
	if now.After(l.RecommendedRetryTime) && totalAccounts < l.LockedAtAccounts {
		return true
	}
	if now.After(l.LockedAtTime.Add(cooldown)) && totalAccounts >= l.LockedAtAccounts {
		return true
	}
	return false
}
