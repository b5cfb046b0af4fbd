// Package events implements the event router (C7): it decodes inbound
// synchronization frames, restores per-account order via internal/order,
// enqueues them per account, and dispatches to the listener registry
// (internal/listen) sequentially so listeners see events in the
// orderer's order. Grounded on the teacher's dispatch-table style in
// internal/shared/monitoring (one handler function per concern) and the
// Kalshi connection manager's per-message type switch.
package events

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adred-codev/mtgateway/internal/listen"
	"github.com/adred-codev/mtgateway/internal/order"
)

// ActiveSyncIDsFunc reports the set of synchronizationIds currently
// active on the socket an event arrived on, used to filter stale events
// (spec.md §4.7: "Filter out events whose synchronizationId is not in
// the receiving socket's active set").
type ActiveSyncIDsFunc func(socketIndex int) map[string]bool

// UnsubscribeFunc issues a best-effort unsubscribe for an inactive
// account's stream.
type UnsubscribeFunc func(ctx context.Context, accountID string, instanceIndex int) error

// Deps wires the router to its collaborators without a direct package
// dependency on the socket pool or supervisor, keeping internal/events
// free to unit-test with fakes.
type Deps struct {
	Orderer              *order.Orderer
	Listeners            *listen.Registry
	ActiveSyncIDs        ActiveSyncIDsFunc
	SessionIDFor         func(socketIndex int) string
	IsSubscriptionActive func(accountID string, instanceIndex int) bool
	Unsubscribe          UnsubscribeFunc
	EnsureSubscribe      func(accountID string, instanceIndex int)
	CancelSubscribe      func(accountID string, instanceIndex int)
	OnDisconnectedSupervisor func(accountID string, instanceIndex int)
	OnTimeoutSupervisor  func(accountID string, instanceIndex int)
	UnsubscribeThrottle  time.Duration // default 10s
	Logf                 func(format string, args ...any)
}

type syncFlag struct {
	accountID        string
	positionsUpdated bool
	ordersUpdated    bool
}

// syncCompletion tracks the dealSynchronizationFinished/
// orderSynchronizationFinished pair for one synchronizationId, backing
// waitSynchronized (SUPPLEMENTED FEATURES item 1).
type syncCompletion struct {
	dealDone  bool
	orderDone bool
	done      chan struct{}
}

// Router is C7.
type Router struct {
	deps Deps

	queues *queues

	mu             sync.Mutex
	connectedHosts map[order.InstanceKey]string
	syncFlags      map[string]*syncFlag
	syncDone       map[string]*syncCompletion
	watchdogs      map[order.InstanceKey]*time.Timer
	unsubLimiters  map[string]*rate.Limiter
}

// New builds a Router.
func New(deps Deps) *Router {
	if deps.UnsubscribeThrottle <= 0 {
		deps.UnsubscribeThrottle = 10 * time.Second
	}
	if deps.Logf == nil {
		deps.Logf = func(string, ...any) {}
	}
	return &Router{
		deps:           deps,
		queues:         newQueues(),
		connectedHosts: make(map[order.InstanceKey]string),
		syncFlags:      make(map[string]*syncFlag),
		syncDone:       make(map[string]*syncCompletion),
		watchdogs:      make(map[order.InstanceKey]*time.Timer),
		unsubLimiters:  make(map[string]*rate.Limiter),
	}
}

// WaitSynchronized blocks until both dealSynchronizationFinished and
// orderSynchronizationFinished have been observed for synchronizationID,
// or ctx is done.
func (r *Router) WaitSynchronized(ctx context.Context, synchronizationID string) error {
	r.mu.Lock()
	sc, ok := r.syncDone[synchronizationID]
	if !ok {
		sc = &syncCompletion{done: make(chan struct{})}
		r.syncDone[synchronizationID] = sc
	}
	ch := sc.done
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) markSyncCompletion(synchronizationID string, deal, orderDone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.syncDone[synchronizationID]
	if !ok {
		sc = &syncCompletion{done: make(chan struct{})}
		r.syncDone[synchronizationID] = sc
	}
	if deal {
		sc.dealDone = true
	}
	if orderDone {
		sc.orderDone = true
	}
	if sc.dealDone && sc.orderDone {
		select {
		case <-sc.done:
		default:
			close(sc.done)
		}
		delete(r.syncDone, synchronizationID)
	}
}

// Envelope is a decoded inbound synchronization frame.
type Envelope struct {
	Type              string
	AccountID         string
	InstanceIndex     int
	Host              string
	SequenceNumber    *int64
	SynchronizationID string
	SocketIndex       int
	Raw               map[string]any
}

func (e Envelope) instanceKey() order.InstanceKey {
	return order.InstanceKey{AccountID: e.AccountID, InstanceIndex: e.InstanceIndex, Host: e.Host}
}

// HandleFrame is the router's single entry point: one inbound
// "synchronization" frame, already decoded (the socket layer handles the
// string-vs-object duality per spec.md §4.7's "Decode if string").
func (r *Router) HandleFrame(env Envelope) {
	env.Raw = ConvertTimestamps(env.Raw).(map[string]any)

	if env.SynchronizationID != "" && r.deps.ActiveSyncIDs != nil {
		active := r.deps.ActiveSyncIDs(env.SocketIndex)
		if active != nil && !active[env.SynchronizationID] {
			env.Type = "noop"
		}
	}

	if env.Type != "disconnected" && r.deps.IsSubscriptionActive != nil && !r.deps.IsSubscriptionActive(env.AccountID, env.InstanceIndex) {
		r.throttledUnsubscribe(env.AccountID, env.InstanceIndex)
		return
	}

	var packet order.Packet
	packet.AccountID = env.AccountID
	packet.InstanceIndex = env.InstanceIndex
	packet.Host = env.Host
	packet.Type = env.Type
	packet.SequenceNumber = env.SequenceNumber
	packet.ReceivedAt = time.Now()
	packet.Raw = env.Raw

	for _, p := range r.deps.Orderer.RestoreOrder(packet) {
		if p.Type == "noop" {
			continue
		}
		r.enqueue(envelopeFromPacket(env, p))
	}
}

func envelopeFromPacket(orig Envelope, p order.Packet) Envelope {
	orig.Type = p.Type
	orig.Raw = p.Raw
	return orig
}

// DeliverFromOrderer is the orderer's async DeliverFunc: it is invoked on
// the orderer's own gap-skip timer goroutine, outside of any HandleFrame
// call, for the packet that unblocked a buffered run plus anything it
// unblocked. It rebuilds an Envelope from each order.Packet and enqueues
// it exactly like HandleFrame does.
func (r *Router) DeliverFromOrderer(key order.InstanceKey, packets []order.Packet) {
	for _, p := range packets {
		if p.Type == "noop" {
			continue
		}
		r.enqueue(Envelope{
			Type:          p.Type,
			AccountID:     p.AccountID,
			InstanceIndex: p.InstanceIndex,
			Host:          p.Host,
			Raw:           p.Raw,
		})
	}
}

func (r *Router) enqueue(env Envelope) {
	r.queues.Enqueue(env.AccountID, func() {
		start := time.Now()
		r.dispatch(env)
		if elapsed := time.Since(start); elapsed > time.Second {
			r.deps.Logf("listener dispatch for account %s type %s took %.2fs", env.AccountID, env.Type, elapsed.Seconds())
		}
	})
}

func (r *Router) throttledUnsubscribe(accountID string, instanceIndex int) {
	r.mu.Lock()
	lim, ok := r.unsubLimiters[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.deps.UnsubscribeThrottle), 1)
		r.unsubLimiters[accountID] = lim
	}
	r.mu.Unlock()

	if !lim.Allow() {
		return
	}
	if r.deps.Unsubscribe == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.deps.Unsubscribe(ctx, accountID, instanceIndex); err != nil {
			r.deps.Logf("throttled unsubscribe for %s failed: %v", accountID, err)
		}
	}()
}

// armWatchdog (re)schedules the 60s disconnect watchdog for key.
func (r *Router) armWatchdog(key order.InstanceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.watchdogs[key]; ok {
		t.Stop()
	}
	r.watchdogs[key] = time.AfterFunc(60*time.Second, func() {
		r.onWatchdogFired(key)
	})
}

func (r *Router) cancelWatchdog(key order.InstanceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.watchdogs[key]; ok {
		t.Stop()
		delete(r.watchdogs, key)
	}
}

func (r *Router) onWatchdogFired(key order.InstanceKey) {
	if r.isOnlyActive(key) {
		if r.deps.OnTimeoutSupervisor != nil {
			r.deps.OnTimeoutSupervisor(key.AccountID, key.InstanceIndex)
		}
		r.enqueue(Envelope{Type: "disconnected", AccountID: key.AccountID, InstanceIndex: key.InstanceIndex, Host: key.Host})
	}
}

// isOnlyActive reports whether key is the only connected-hosts entry for
// its accountId:instanceNumber prefix, per spec.md §3's ConnectedHosts
// "final disconnect" rule.
func (r *Router) isOnlyActive(key order.InstanceKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for k := range r.connectedHosts {
		if k.AccountID == key.AccountID && k.InstanceIndex == key.InstanceIndex {
			count++
		}
	}
	return count <= 1
}

// forEachListener calls fn on every listener one after another,
// recovering a panic from any single one so a broken listener never
// takes down the drain loop or stops the listeners after it from being
// called (spec.md §7). The per-account drain loop already serializes one
// event at a time, so each listener sees one account's events in the
// orderer's order.
func (r *Router) forEachListener(listeners []listen.SynchronizationListener, fn func(listen.SynchronizationListener)) {
	for _, l := range listeners {
		l := l
		r.safeCall(func() { fn(l) })
	}
}

func (r *Router) latencyListeners() []listen.LatencyListener {
	return r.deps.Listeners.LatencyListeners()
}

func (r *Router) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logf("listener panicked: %v", rec)
		}
	}()
	fn()
}

func safeLatencyCall(logf func(string, ...any), accountID string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logf("latency listener panicked for account %s: %v", accountID, rec)
		}
	}()
	fn()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toAnySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func toStringMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func toBool(v any, def bool) bool {
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

