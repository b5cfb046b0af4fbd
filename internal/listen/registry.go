// Package listen holds the listener interfaces and registry (C8) shared
// by the public mtgateway facade and internal/events. It lives in its
// own package for the same reason internal/errs does: internal/events
// needs to dispatch to these registries, but the root package imports
// internal/events to wire the client together, so the types can't live
// in the root package without an import cycle. The root package
// re-exports these as aliases.
package listen

import "sync"

// SynchronizationListener receives per-account lifecycle and state-sync
// events. All methods are invoked sequentially, in the order restored by
// the packet orderer, for a single account; a listener that blocks stalls
// only that account's queue (see internal/events).
type SynchronizationListener interface {
	OnConnected(instanceIndex string, replicas int)
	OnDisconnected(instanceIndex string)
	OnStreamClosed(instanceIndex string)
	OnBrokerConnectionStatusChanged(instanceIndex string, connected bool)
	OnHealthStatus(instanceIndex string, health map[string]any)
	OnSynchronizationStarted(instanceIndex string)
	OnAccountInformationUpdated(instanceIndex string, payload map[string]any)
	OnPositionsReplaced(instanceIndex string, positions []any)
	OnPositionsSynchronized(instanceIndex string, synchronizationID string)
	OnPendingOrdersReplaced(instanceIndex string, orders []any)
	OnPendingOrdersSynchronized(instanceIndex string, synchronizationID string)
	OnHistoryOrdersAdded(instanceIndex string, orders []any)
	OnDealsAdded(instanceIndex string, deals []any)
	OnSpecificationsUpdated(instanceIndex string, specifications []any)
	OnSymbolPricesUpdated(instanceIndex string, prices map[string]any)
	OnDealSynchronizationFinished(instanceIndex string, synchronizationID string)
	OnOrderSynchronizationFinished(instanceIndex string, synchronizationID string)
	OnSubscriptionDowngraded(instanceIndex string, payload map[string]any)
}

// SynchronizationListenerBase gives every method a no-op body. Embed it in
// a concrete listener and override only the events you need.
type SynchronizationListenerBase struct{}

func (SynchronizationListenerBase) OnConnected(string, int)                          {}
func (SynchronizationListenerBase) OnDisconnected(string)                            {}
func (SynchronizationListenerBase) OnStreamClosed(string)                            {}
func (SynchronizationListenerBase) OnBrokerConnectionStatusChanged(string, bool)      {}
func (SynchronizationListenerBase) OnHealthStatus(string, map[string]any)             {}
func (SynchronizationListenerBase) OnSynchronizationStarted(string)                   {}
func (SynchronizationListenerBase) OnAccountInformationUpdated(string, map[string]any) {}
func (SynchronizationListenerBase) OnPositionsReplaced(string, []any)                 {}
func (SynchronizationListenerBase) OnPositionsSynchronized(string, string)            {}
func (SynchronizationListenerBase) OnPendingOrdersReplaced(string, []any)             {}
func (SynchronizationListenerBase) OnPendingOrdersSynchronized(string, string)        {}
func (SynchronizationListenerBase) OnHistoryOrdersAdded(string, []any)                {}
func (SynchronizationListenerBase) OnDealsAdded(string, []any)                        {}
func (SynchronizationListenerBase) OnSpecificationsUpdated(string, []any)             {}
func (SynchronizationListenerBase) OnSymbolPricesUpdated(string, map[string]any)      {}
func (SynchronizationListenerBase) OnDealSynchronizationFinished(string, string)       {}
func (SynchronizationListenerBase) OnOrderSynchronizationFinished(string, string)      {}
func (SynchronizationListenerBase) OnSubscriptionDowngraded(string, map[string]any)   {}

// LatencyListener receives cross-account timing telemetry derived from
// request/response and update timestamps; unlike SynchronizationListener it
// is registered once, globally.
type LatencyListener interface {
	OnUpdate(accountID string, timestamps map[string]any)
	OnSymbolPrice(accountID, symbol string, timestamps map[string]any)
	OnTrade(accountID string, timestamps map[string]any)
	OnResponse(accountID, requestType string, timestamps map[string]any)
}

// ReconnectListener is notified whenever the socket carrying an account
// reconnects, so callers can re-arm account-specific state.
type ReconnectListener interface {
	OnReconnected(instanceIndex string) error
}

// Registry holds the three listener collections described in spec.md
// §4.8 (C8). It is safe for concurrent use; registration and removal are
// idempotent, and a missing key is always treated as "no listeners"
// rather than an error, per spec.md §7's defensive-state requirement.
type Registry struct {
	mu        sync.RWMutex
	sync_     map[string][]SynchronizationListener
	latency   []LatencyListener
	reconnect map[string][]ReconnectListener
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sync_:     make(map[string][]SynchronizationListener),
		reconnect: make(map[string][]ReconnectListener),
	}
}

func (r *Registry) AddSynchronizationListener(accountID string, l SynchronizationListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sync_[accountID] {
		if existing == l {
			return
		}
	}
	r.sync_[accountID] = append(r.sync_[accountID], l)
}

func (r *Registry) RemoveSynchronizationListener(accountID string, l SynchronizationListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sync_[accountID]
	for i, existing := range list {
		if existing == l {
			r.sync_[accountID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SynchronizationListeners returns a snapshot copy of accountID's listeners.
// Absent entries return nil, never panic.
func (r *Registry) SynchronizationListeners(accountID string) []SynchronizationListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.sync_[accountID]
	out := make([]SynchronizationListener, len(list))
	copy(out, list)
	return out
}

func (r *Registry) AddLatencyListener(l LatencyListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.latency {
		if existing == l {
			return
		}
	}
	r.latency = append(r.latency, l)
}

func (r *Registry) RemoveLatencyListener(l LatencyListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.latency {
		if existing == l {
			r.latency = append(r.latency[:i], r.latency[i+1:]...)
			return
		}
	}
}

// LatencyListeners returns a snapshot copy of the global latency listeners.
func (r *Registry) LatencyListeners() []LatencyListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LatencyListener, len(r.latency))
	copy(out, r.latency)
	return out
}

func (r *Registry) AddReconnectListener(accountID string, l ReconnectListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.reconnect[accountID] {
		if existing == l {
			return
		}
	}
	r.reconnect[accountID] = append(r.reconnect[accountID], l)
}

func (r *Registry) RemoveReconnectListener(accountID string, l ReconnectListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.reconnect[accountID]
	for i, existing := range list {
		if existing == l {
			r.reconnect[accountID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ReconnectListenersFor returns a snapshot copy of accountID's reconnect
// listeners.
func (r *Registry) ReconnectListenersFor(accountID string) []ReconnectListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.reconnect[accountID]
	out := make([]ReconnectListener, len(list))
	copy(out, list)
	return out
}

// RemoveAllListeners resets every registry to empty. Intended for test
// teardown, matching spec.md §8's idempotence law.
func (r *Registry) RemoveAllListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sync_ = make(map[string][]SynchronizationListener)
	r.latency = nil
	r.reconnect = make(map[string][]ReconnectListener)
}
