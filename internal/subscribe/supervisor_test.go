package subscribe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/mtgateway/internal/errs"
)

func TestScheduleSubscribe_SucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	s := New(Callbacks{
		Subscribe: func(ctx context.Context, accountID string, instanceNumber int) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}, time.Millisecond, 10*time.Millisecond)

	s.ScheduleSubscribe("A", 0)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("want exactly 1 call, got %d", calls)
	}
	if s.ActiveLoopCount() != 0 {
		t.Fatalf("want loop finished after success, got %d active", s.ActiveLoopCount())
	}
}

func TestScheduleSubscribe_OnlyOneLoopPerKey(t *testing.T) {
	var calls int32
	block := make(chan struct{})
	s := New(Callbacks{
		Subscribe: func(ctx context.Context, accountID string, instanceNumber int) error {
			atomic.AddInt32(&calls, 1)
			<-block
			return nil
		},
	}, time.Millisecond, 10*time.Millisecond)

	s.ScheduleSubscribe("A", 0)
	s.ScheduleSubscribe("A", 0)
	s.ScheduleSubscribe("A", 0)
	close(block)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("want exactly 1 subscribe attempt for duplicate schedules, got %d", calls)
	}
}

func TestScheduleSubscribe_RetriesWithBackoffThenSucceeds(t *testing.T) {
	var attempts int32
	s := New(Callbacks{
		Subscribe: func(ctx context.Context, accountID string, instanceNumber int) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return &errs.InternalError{Message: "transient"}
			}
			return nil
		},
	}, time.Millisecond, 10*time.Millisecond)

	s.ScheduleSubscribe("A", 0)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&attempts) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("want at least 3 attempts, got %d", attempts)
	}
}

func TestCancelSubscribe_StopsLoopIdempotently(t *testing.T) {
	blocked := make(chan struct{})
	s := New(Callbacks{
		Subscribe: func(ctx context.Context, accountID string, instanceNumber int) error {
			close(blocked)
			<-ctx.Done()
			return ctx.Err()
		},
	}, time.Millisecond, 10*time.Millisecond)

	s.ScheduleSubscribe("A", 0)
	<-blocked
	s.CancelSubscribe("A", 0)
	s.CancelSubscribe("A", 0) // idempotent
	time.Sleep(20 * time.Millisecond)
	if s.ActiveLoopCount() != 0 {
		t.Fatalf("want loop cancelled, got %d active", s.ActiveLoopCount())
	}
}

func TestPerUserLock_CallsLockGlobal(t *testing.T) {
	var lockCalled int32
	var attempts int32
	s := New(Callbacks{
		Subscribe: func(ctx context.Context, accountID string, instanceNumber int) error {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return &errs.TooManyRequestsError{Type: errs.LockPerUser, RecommendedRetryTime: time.Now().Add(20 * time.Millisecond).UnixMilli()}
			}
			return nil
		},
		LockGlobal: func(meta *errs.TooManyRequestsError) {
			atomic.AddInt32(&lockCalled, 1)
		},
	}, time.Millisecond, 10*time.Millisecond)

	s.ScheduleSubscribe("A", 0)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&lockCalled) != 1 {
		t.Fatalf("want LockGlobal called once, got %d", lockCalled)
	}
}
