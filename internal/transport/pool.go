package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adred-codev/mtgateway/internal/errs"
	"github.com/adred-codev/mtgateway/internal/listen"
)

// URLResolveFunc produces a fresh gateway URL (and any headers to dial
// with) for a new connect attempt; backed by internal/resolve (C9).
type URLResolveFunc func(ctx context.Context) (string, http.Header, error)

// Options configures a Pool. Thresholds mirror spec.md §4.5.
type Options struct {
	MaxAccountsPerInstance int
	ConnectTimeout         time.Duration
	SubscribeCooldown      time.Duration
	MaxConcurrentSync      int
	SyncQueueTimeout       time.Duration
	Listeners              *listen.Registry     // optional, enables per-response latency reporting
	Logf                   func(string, ...any) // optional, used for latency-listener panic recovery
}

func (o Options) withDefaults() Options {
	if o.MaxAccountsPerInstance <= 0 {
		o.MaxAccountsPerInstance = 100
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.SubscribeCooldown <= 0 {
		o.SubscribeCooldown = 10 * time.Second
	}
	if o.MaxConcurrentSync <= 0 {
		o.MaxConcurrentSync = 10
	}
	if o.SyncQueueTimeout <= 0 {
		o.SyncQueueTimeout = 300 * time.Second
	}
	return o
}

// Pool is the socket pool (C5): it owns N sockets, places accounts onto
// them under capacity and subscribe-lock constraints, and reconnects a
// socket that drops. Grounded on the teacher's connection-rate-limiter
// style of guarding a shared resource with a single mutex plus explicit
// poll/backoff loops (internal/shared/limits/connection_rate_limiter.go),
// generalized from "one shared budget" to "N independently lockable
// sockets".
type Pool struct {
	mu      sync.Mutex
	sockets []*Socket
	closed  bool

	globalLock *SubscribeLock

	dialer     Dialer
	resolveURL URLResolveFunc
	opts       Options

	onFrame       func(socketIndex int, f Frame)
	onReconnected func(socketIndex int)

	lockPollLimiter *rate.Limiter
}

// New builds an empty Pool. onFrame is invoked for every inbound frame on
// every socket (the event router wires itself in here); onReconnected
// fires after a reconnect succeeds so the subscription supervisor can
// restart subscribes for accounts that were previously connected on that
// replica.
func New(dialer Dialer, resolveURL URLResolveFunc, opts Options, onFrame func(int, Frame), onReconnected func(int)) *Pool {
	return &Pool{
		dialer:          dialer,
		resolveURL:      resolveURL,
		opts:            opts.withDefaults(),
		onFrame:         onFrame,
		onReconnected:   onReconnected,
		lockPollLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Assign places accountID onto a socket, spinning on the global
// subscribe-lock and skipping per-socket-locked sockets per the table in
// spec.md §4.5. Returns the chosen socket.
func (p *Pool) Assign(ctx context.Context, accountID string) (*Socket, error) {
	for {
		if err := p.waitGlobalLockCleared(ctx); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errs.ErrConnectionClosed
		}
		for _, s := range p.sockets {
			if lock := s.Lock(); lock != nil && lock.skipSocket(time.Now(), s.AssignedCount()) {
				continue
			}
			if s.AssignAccount(accountID, p.opts.MaxAccountsPerInstance) {
				p.mu.Unlock()
				return s, nil
			}
		}
		p.mu.Unlock()

		s, err := p.connectNew(ctx)
		if err != nil {
			return nil, err
		}
		if s.AssignAccount(accountID, p.opts.MaxAccountsPerInstance) {
			return s, nil
		}
		// Pathological: a brand new socket refused an assignment (zero
		// capacity config). Loop and let the global-lock wait throttle
		// the retry.
	}
}

func (p *Pool) waitGlobalLockCleared(ctx context.Context) error {
	for {
		p.mu.Lock()
		lock := p.globalLock
		total := p.totalAssignedLocked()
		p.mu.Unlock()

		if lock == nil || lock.globalLockClears(time.Now(), total, p.opts.SubscribeCooldown) {
			return nil
		}
		if err := p.lockPollLimiter.Wait(ctx); err != nil {
			return err
		}
	}
}

func (p *Pool) totalAssignedLocked() int {
	total := 0
	for _, s := range p.sockets {
		total += s.AssignedCount()
	}
	return total
}

// connectNew dials a brand-new socket and adds it to the pool.
func (p *Pool) connectNew(ctx context.Context) (*Socket, error) {
	p.mu.Lock()
	index := len(p.sockets)
	s := newSocket(index, p.dialer, p.resolveURL, p.opts.ConnectTimeout, p.onFrame, p.onSocketClosed, p.opts.MaxConcurrentSync, p.opts.SyncQueueTimeout)
	s.Mux.SetLatencyHooks(p.opts.Listeners, p.opts.Logf)
	p.sockets = append(p.sockets, s)
	p.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Pool) onSocketClosed(index int, err error) {
	go p.reconnect(context.Background(), index)
}

// LockSocketInstance installs a subscribe lock received via a
// TooManyRequests response. Global locks apply pool-wide; per-socket
// locks apply to the socket at index unless that socket currently has
// zero subscribed accounts, in which case spec.md §4.5 calls for a
// force-reconnect instead of a lock that would never clear.
func (p *Pool) LockSocketInstance(index int, lock SubscribeLock) {
	if lock.Type == errs.LockPerUser {
		p.mu.Lock()
		lock.LockedAtTime = time.Now()
		p.globalLock = &lock
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	var s *Socket
	if index >= 0 && index < len(p.sockets) {
		s = p.sockets[index]
	}
	p.mu.Unlock()
	if s == nil {
		return
	}

	if s.AssignedCount() == 0 {
		go p.reconnect(context.Background(), index)
		return
	}
	s.SetLock(&lock)
}

// Reconnect rebuilds the socket at index: fresh clientId/sessionId,
// redials, and on success notifies onReconnected so the subscription
// supervisor can restart subscribes for accounts that were live on this
// replica. Serialized per-socket via the socket's own reconnecting flag
// so concurrent disconnect/lock-triggered reconnects collapse into one.
func (p *Pool) Reconnect(ctx context.Context, index int) error {
	return p.reconnect(ctx, index)
}

func (p *Pool) reconnect(ctx context.Context, index int) error {
	p.mu.Lock()
	if p.closed || index < 0 || index >= len(p.sockets) {
		p.mu.Unlock()
		return errs.ErrConnectionClosed
	}
	s := p.sockets[index]
	p.mu.Unlock()

	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	_ = s.Close()
	if err := s.connect(ctx); err != nil {
		return err
	}
	if err := s.WaitConnectResult(ctx); err != nil {
		return err
	}
	if p.onReconnected != nil {
		p.onReconnected(index)
	}
	return nil
}

// Sockets returns a snapshot of the current socket slice, for
// diagnostics/metrics.
func (p *Pool) Sockets() []*Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Socket, len(p.sockets))
	copy(out, p.sockets)
	return out
}

// Close marks every instance disconnected, fails all pending requests,
// and releases every throttled synchronization. Listener-registry
// teardown and packet-orderer shutdown are the caller's responsibility
// (they're owned by the event router, not the pool).
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	sockets := make([]*Socket, len(p.sockets))
	copy(sockets, p.sockets)
	p.mu.Unlock()

	var firstErr error
	for _, s := range sockets {
		if err := s.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
