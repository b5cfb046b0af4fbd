// Package subscribe implements the subscription supervisor (C4): one
// long-running subscribe loop per accountId:instanceNumber, with
// exponential backoff, rate-limit-driven pauses, and cancellation.
// Grounded on the Kalshi connection manager's reconnect(conn) retry loop
// (other_examples), generalized from "redial a single connection" to
// "drive one subscribe RPC per logical instance with its own backoff and
// cancellation token".
package subscribe

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/adred-codev/mtgateway/internal/errs"
)

// SubscribeFunc issues one subscribe RPC for accountId:instanceNumber.
type SubscribeFunc func(ctx context.Context, accountID string, instanceNumber int) error

// Callbacks wires the supervisor to the socket pool and logger without a
// direct package dependency (root client.go supplies the closures).
type Callbacks struct {
	Subscribe      SubscribeFunc
	LockGlobal     func(meta *errs.TooManyRequestsError)
	LockPerSocket  func(accountID string, meta *errs.TooManyRequestsError)
	Unassign       func(accountID string)
	IsConnected    func(accountID string) bool
	IsAssigned     func(accountID string) bool
	AccountsOnSocket func(socketIndex int) []string
	Logf           func(format string, args ...any)
}

type key struct {
	accountID      string
	instanceNumber int
}

func (k key) String() string { return fmt.Sprintf("%s:%d", k.accountID, k.instanceNumber) }

type loop struct {
	mu          sync.Mutex
	shouldRetry bool
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Supervisor owns one loop per accountId:instanceNumber. Safe for
// concurrent use.
type Supervisor struct {
	cb Callbacks

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu    sync.Mutex
	loops map[key]*loop
}

// New builds a Supervisor. initialBackoff/maxBackoff default to 3s/300s
// per spec.md §4.4 if zero.
func New(cb Callbacks, initialBackoff, maxBackoff time.Duration) *Supervisor {
	if initialBackoff <= 0 {
		initialBackoff = 3 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 300 * time.Second
	}
	if cb.Logf == nil {
		cb.Logf = func(string, ...any) {}
	}
	return &Supervisor{cb: cb, initialBackoff: initialBackoff, maxBackoff: maxBackoff, loops: make(map[key]*loop)}
}

// ScheduleSubscribe starts (or restarts, if cancelled) the subscribe loop
// for accountId:instanceNumber. At most one loop runs per key (spec.md §8
// invariant 2).
func (s *Supervisor) ScheduleSubscribe(accountID string, instanceNumber int) {
	k := key{accountID, instanceNumber}

	s.mu.Lock()
	l, ok := s.loops[k]
	if !ok {
		l = &loop{}
		s.loops[k] = l
	}
	s.mu.Unlock()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.shouldRetry = true
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go s.runLoop(ctx, k, l)
}

func (s *Supervisor) runLoop(ctx context.Context, k key, l *loop) {
	defer close(l.done)
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	backoff := s.initialBackoff
	for {
		l.mu.Lock()
		retry := l.shouldRetry
		l.mu.Unlock()
		if !retry {
			return
		}

		err := s.cb.Subscribe(ctx, k.accountID, k.instanceNumber)
		if err == nil {
			return
		}

		switch e := err.(type) {
		case *errs.TooManyRequestsError:
			switch e.Type {
			case errs.LockPerUser:
				s.cb.Logf("subscribe %s: per-user rate limit, locking pool", k)
				if s.cb.LockGlobal != nil {
					s.cb.LockGlobal(e)
				}
			case errs.LockPerServer, errs.LockPerUserPerServer:
				// Lock before unassigning: LockPerSocket finds the socket
				// through the account's current assignment.
				if s.cb.LockPerSocket != nil {
					s.cb.LockPerSocket(k.accountID, e)
				}
				if s.cb.Unassign != nil {
					s.cb.Unassign(k.accountID)
				}
				retryAt := time.UnixMilli(e.RecommendedRetryTime)
				if wait := time.Until(retryAt); wait > backoff {
					if !sleepCancellable(ctx, wait) {
						return
					}
				}
			}
		default:
			// All other subscribe errors are swallowed per spec.md §7:
			// "Subscribe errors: never surfaced to callers ... all others
			// swallowed with log."
			if err != context.Canceled {
				s.cb.Logf("subscribe %s failed, will retry: %v", k, err)
			}
		}

		l.mu.Lock()
		retry = l.shouldRetry
		l.mu.Unlock()
		if !retry {
			return
		}

		if !sleepCancellable(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// CancelSubscribe stops the loop for accountId:instanceNumber, if one is
// running. Idempotent (spec.md §8 law).
func (s *Supervisor) CancelSubscribe(accountID string, instanceNumber int) {
	k := key{accountID, instanceNumber}
	s.mu.Lock()
	l, ok := s.loops[k]
	s.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	l.shouldRetry = false
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
}

// CancelAccount cancels every loop whose key's accountId matches.
func (s *Supervisor) CancelAccount(accountID string) {
	s.mu.Lock()
	var matches []key
	for k := range s.loops {
		if k.accountID == accountID {
			matches = append(matches, k)
		}
	}
	s.mu.Unlock()
	for _, k := range matches {
		s.CancelSubscribe(k.accountID, k.instanceNumber)
	}
}

// OnTimeout restarts the subscribe loop if the account's socket is still
// connected (a live disconnect watchdog firing for a connection that is
// otherwise healthy — e.g. a missed "authenticated" refresh).
func (s *Supervisor) OnTimeout(accountID string, instanceNumber int) {
	if s.cb.IsConnected != nil && !s.cb.IsConnected(accountID) {
		return
	}
	s.ScheduleSubscribe(accountID, instanceNumber)
}

// OnDisconnected sleeps a uniform random 1-5s (jitter so many accounts on
// the same dropped socket don't resubscribe in lockstep) then
// resubscribes if the account is still assigned to a socket.
func (s *Supervisor) OnDisconnected(accountID string, instanceNumber int) {
	go func() {
		d := time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
		time.Sleep(d)
		if s.cb.IsAssigned != nil && !s.cb.IsAssigned(accountID) {
			return
		}
		s.ScheduleSubscribe(accountID, instanceNumber)
	}()
}

// OnReconnected cancels every loop whose account lives on socketIndex,
// waits for those loops to actually stop, then restarts a subscribe for
// each of reconnectAccountIDs.
func (s *Supervisor) OnReconnected(socketIndex int, reconnectAccountIDs []string) {
	if s.cb.AccountsOnSocket != nil {
		for _, accountID := range s.cb.AccountsOnSocket(socketIndex) {
			s.mu.Lock()
			var matches []key
			for k := range s.loops {
				if k.accountID == accountID {
					matches = append(matches, k)
				}
			}
			s.mu.Unlock()
			for _, k := range matches {
				s.cancelAndWait(k)
			}
		}
	}

	for _, accountID := range reconnectAccountIDs {
		s.mu.Lock()
		var matches []key
		for k := range s.loops {
			if k.accountID == accountID {
				matches = append(matches, k)
			}
		}
		if len(matches) == 0 {
			matches = []key{{accountID: accountID, instanceNumber: 0}}
		}
		s.mu.Unlock()
		for _, k := range matches {
			s.cancelAndWait(k)
			s.ScheduleSubscribe(k.accountID, k.instanceNumber)
		}
	}
}

func (s *Supervisor) cancelAndWait(k key) {
	s.mu.Lock()
	l, ok := s.loops[k]
	s.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	l.shouldRetry = false
	if l.cancel != nil {
		l.cancel()
	}
	done := l.done
	running := l.running
	l.mu.Unlock()
	if running && done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

// ActiveLoopCount reports how many supervisor loops are currently running, for
// metrics/tests.
func (s *Supervisor) ActiveLoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.loops {
		l.mu.Lock()
		if l.running {
			n++
		}
		l.mu.Unlock()
	}
	return n
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
