package events

import (
	"fmt"
	"time"

	"github.com/adred-codev/mtgateway/internal/listen"
)

func nowFunc() time.Time { return time.Now() }

// dispatch is the per-event-type table spec.md §4.7 describes as "model
// as a per-event dispatch table; one function per event type, each
// taking (event, listeners) and invoking each listener in sequence,
// catching and logging per-listener failures." Runs on the per-account
// queue drainer, so it is already single-threaded per account.
func (r *Router) dispatch(env Envelope) {
	key := env.instanceKey()
	instanceIndex := fmt.Sprintf("%d:%s", env.InstanceIndex, env.Host)
	listeners := r.deps.Listeners.SynchronizationListeners(env.AccountID)

	switch env.Type {
	case "authenticated":
		r.armWatchdog(key)
		sessionID := str(env.Raw["sessionId"])
		var currentSessionID string
		if r.deps.SessionIDFor != nil {
			currentSessionID = r.deps.SessionIDFor(env.SocketIndex)
		}
		if sessionID == "" || currentSessionID == "" || sessionID == currentSessionID {
			r.mu.Lock()
			r.connectedHosts[key] = env.Host
			r.mu.Unlock()
			if r.deps.CancelSubscribe != nil {
				r.deps.CancelSubscribe(env.AccountID, env.InstanceIndex)
			}
			replicas := r.countReplicas(env.AccountID, env.InstanceIndex)
			r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnConnected(instanceIndex, replicas) })
		}

	case "disconnected":
		r.cancelWatchdog(key)
		onlyActive := r.isOnlyActive(key)
		r.mu.Lock()
		delete(r.connectedHosts, key)
		r.mu.Unlock()
		if onlyActive {
			if r.deps.OnDisconnectedSupervisor != nil {
				r.deps.OnDisconnectedSupervisor(env.AccountID, env.InstanceIndex)
			}
			r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnDisconnected(instanceIndex) })
		} else {
			r.deps.Orderer.StreamClosed(key)
			r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnStreamClosed(instanceIndex) })
		}

	case "status":
		r.mu.Lock()
		_, connected := r.connectedHosts[key]
		r.mu.Unlock()
		authenticated := toBool(env.Raw["authenticated"], true)
		if !connected && authenticated {
			if r.deps.CancelSubscribe != nil {
				r.deps.CancelSubscribe(env.AccountID, env.InstanceIndex)
			}
			if r.deps.EnsureSubscribe != nil {
				r.deps.EnsureSubscribe(env.AccountID, env.InstanceIndex)
			}
			return
		}
		r.armWatchdog(key)
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnBrokerConnectionStatusChanged(instanceIndex, toBool(env.Raw["connected"], true))
		})
		if health, ok := env.Raw["healthStatus"]; ok {
			r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnHealthStatus(instanceIndex, toStringMap(health)) })
		}

	case "synchronizationStarted":
		syncID := str(env.Raw["synchronizationId"])
		if syncID != "" {
			r.mu.Lock()
			r.syncFlags[syncID] = &syncFlag{
				accountID:        env.AccountID,
				positionsUpdated: toBool(env.Raw["positionsUpdated"], true),
				ordersUpdated:    toBool(env.Raw["ordersUpdated"], true),
			}
			r.mu.Unlock()
		}
		r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnSynchronizationStarted(instanceIndex) })

	case "accountInformation":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnAccountInformationUpdated(instanceIndex, env.Raw)
		})
		r.maybeSynthesizePositions(env, instanceIndex, listeners)

	case "positions":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnPositionsReplaced(instanceIndex, toAnySlice(env.Raw["positions"]))
		})
		r.maybeSynthesizePositions(env, instanceIndex, listeners)
		r.maybeSynthesizeOrders(env, instanceIndex, listeners)

	case "orders":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnPendingOrdersReplaced(instanceIndex, toAnySlice(env.Raw["orders"]))
		})
		r.maybeSynthesizeOrders(env, instanceIndex, listeners)

	case "historyOrders":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnHistoryOrdersAdded(instanceIndex, toAnySlice(env.Raw["historyOrders"]))
		})

	case "deals":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnDealsAdded(instanceIndex, toAnySlice(env.Raw["deals"]))
		})

	case "specifications":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnSpecificationsUpdated(instanceIndex, toAnySlice(env.Raw["specifications"]))
		})

	case "update":
		r.dispatchUpdate(env, instanceIndex, listeners)

	case "prices":
		r.dispatchPrices(env, instanceIndex, listeners)

	case "dealSynchronizationFinished":
		syncID := str(env.Raw["synchronizationId"])
		r.markSyncCompletion(syncID, true, false)
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnDealSynchronizationFinished(instanceIndex, syncID)
		})

	case "orderSynchronizationFinished":
		syncID := str(env.Raw["synchronizationId"])
		r.markSyncCompletion(syncID, false, true)
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnOrderSynchronizationFinished(instanceIndex, syncID)
		})

	case "downgradeSubscription":
		r.forEachListener(listeners, func(l listen.SynchronizationListener) {
			l.OnSubscriptionDowngraded(instanceIndex, env.Raw)
		})

	default:
		// Unrecognized event types are ignored per spec.md §7's
		// defensive stance; the orderer has already advanced its
		// sequence counter regardless of type.
	}
}

func (r *Router) dispatchUpdate(env Envelope, instanceIndex string, listeners []listen.SynchronizationListener) {
	if ts, ok := env.Raw["timestamps"]; ok {
		tm := toStringMap(ts)
		tm["clientProcessingFinished"] = nowFunc()
		env.Raw["timestamps"] = tm
		for _, l := range r.latencyListeners() {
			safeLatencyCall(r.deps.Logf, env.AccountID, func() { l.OnUpdate(env.AccountID, tm) })
		}
	}
	if positions, ok := env.Raw["updatedPositions"]; ok {
		r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnPositionsReplaced(instanceIndex, toAnySlice(positions)) })
	}
	if orders, ok := env.Raw["updatedOrders"]; ok {
		r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnPendingOrdersReplaced(instanceIndex, toAnySlice(orders)) })
	}
	if history, ok := env.Raw["historyOrders"]; ok {
		r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnHistoryOrdersAdded(instanceIndex, toAnySlice(history)) })
	}
	if deals, ok := env.Raw["deals"]; ok {
		r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnDealsAdded(instanceIndex, toAnySlice(deals)) })
	}
}

func (r *Router) dispatchPrices(env Envelope, instanceIndex string, listeners []listen.SynchronizationListener) {
	r.forEachListener(listeners, func(l listen.SynchronizationListener) {
		l.OnSymbolPricesUpdated(instanceIndex, env.Raw)
	})
	prices := toAnySlice(env.Raw["prices"])
	for _, p := range prices {
		pm := toStringMap(p)
		ts, ok := pm["timestamps"]
		if !ok {
			continue
		}
		tm := toStringMap(ts)
		tm["clientProcessingFinished"] = nowFunc()
		pm["timestamps"] = tm
		symbol := str(pm["symbol"])
		for _, l := range r.latencyListeners() {
			safeLatencyCall(r.deps.Logf, env.AccountID, func() { l.OnSymbolPrice(env.AccountID, symbol, tm) })
		}
	}
}

// maybeSynthesizePositions fires onPositionsSynchronized once for the
// current synchronizationId if that id's flags said positions would NOT
// be updated separately (spec.md §4.7 post-sync synthesis), then clears
// the flag if both positions and orders are now satisfied.
func (r *Router) maybeSynthesizePositions(env Envelope, instanceIndex string, listeners []listen.SynchronizationListener) {
	syncID := r.activeSyncIDFor(env.AccountID)
	if syncID == "" {
		return
	}
	r.mu.Lock()
	flag, ok := r.syncFlags[syncID]
	r.mu.Unlock()
	if !ok || flag.positionsUpdated {
		return
	}
	r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnPositionsSynchronized(instanceIndex, syncID) })
	r.clearSyncFlagIfSatisfied(syncID, true, false)
}

func (r *Router) maybeSynthesizeOrders(env Envelope, instanceIndex string, listeners []listen.SynchronizationListener) {
	syncID := r.activeSyncIDFor(env.AccountID)
	if syncID == "" {
		return
	}
	r.mu.Lock()
	flag, ok := r.syncFlags[syncID]
	r.mu.Unlock()
	if !ok || flag.ordersUpdated {
		return
	}
	r.forEachListener(listeners, func(l listen.SynchronizationListener) { l.OnPendingOrdersSynchronized(instanceIndex, syncID) })
	r.clearSyncFlagIfSatisfied(syncID, false, true)
}

// clearSyncFlagIfSatisfied marks the given dimensions synthesized, then
// deletes the flag entry only once both are satisfied, matching the
// original protocol's double-clear: positions and orders are each
// cleared independently but the record itself only disappears once
// neither is pending anymore.
func (r *Router) clearSyncFlagIfSatisfied(syncID string, positions, orders bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag, ok := r.syncFlags[syncID]
	if !ok {
		return
	}
	if positions {
		flag.positionsUpdated = true
	}
	if orders {
		flag.ordersUpdated = true
	}
	if flag.positionsUpdated && flag.ordersUpdated {
		delete(r.syncFlags, syncID)
	}
}

func (r *Router) activeSyncIDFor(accountID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, flag := range r.syncFlags {
		if flag.accountID == accountID {
			return id
		}
	}
	return ""
}

func (r *Router) countReplicas(accountID string, instanceIndex int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.connectedHosts {
		if k.AccountID == accountID && k.InstanceIndex == instanceIndex {
			n++
		}
	}
	return n
}
