// Package mtgateway is a streaming client for a trading-platform gateway:
// it maintains a pool of authenticated socket connections, multiplexes
// request/response RPCs over them, drives per-account subscribe retry
// loops, throttles concurrent full-state synchronizations, restores
// packet order per account replica, and fans decoded events out to
// caller-registered listeners.
//
// Client is the C10 facade (see DESIGN.md): it owns no protocol logic
// itself, only wiring between internal/transport, internal/rpc,
// internal/subscribe, internal/throttle, internal/order, internal/events
// and internal/resolve, the way the teacher's Server struct
// (ws/server.go) wires its websocket hub, worker pool, and monitoring
// collectors together without implementing any of them inline.
package mtgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adred-codev/mtgateway/internal/errs"
	"github.com/adred-codev/mtgateway/internal/events"
	"github.com/adred-codev/mtgateway/internal/listen"
	"github.com/adred-codev/mtgateway/internal/metrics"
	"github.com/adred-codev/mtgateway/internal/obslog"
	"github.com/adred-codev/mtgateway/internal/order"
	"github.com/adred-codev/mtgateway/internal/resolve"
	"github.com/adred-codev/mtgateway/internal/rpc"
	"github.com/adred-codev/mtgateway/internal/subscribe"
	"github.com/adred-codev/mtgateway/internal/sysstats"
	"github.com/adred-codev/mtgateway/internal/throttle"
	"github.com/adred-codev/mtgateway/internal/transport"
)

// Client is a single streaming connection to the gateway for one token.
// Safe for concurrent use.
type Client struct {
	opts  Options
	token string

	logger   zerolog.Logger
	metrics  *metrics.Registry
	promReg  *prometheus.Registry
	sysstats *sysstats.Reporter

	packetLogger *obslog.PacketLogger
	relay        *obslog.Relay

	pool       *transport.Pool
	supervisor *subscribe.Supervisor
	router     *events.Router
	orderer    *order.Orderer
	listeners  *listen.Registry

	mu            sync.Mutex
	accountSocket map[string]int          // accountId -> socket index, once assigned
	activeSubs    map[string]map[int]bool // accountId -> instanceNumber -> wanted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a Client for token, applying DefaultOptions() plus any
// supplied Option overrides. The socket pool, event router, subscription
// supervisor and packet orderer all reference each other (the pool feeds
// frames to the router and reconnect notices to the supervisor; the
// router drives the supervisor and reads pool/throttler state; the
// orderer's async deliveries land back on the router); they are wired
// with the forward-declared-closure idiom below since Go has no way to
// construct three mutually-referencing values in one statement.
func NewClient(token string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	resolver := resolve.New(token, resolve.Options{
		Domain:             o.Domain,
		Region:             o.Region,
		UseSharedClientAPI: o.UseSharedClientAPI,
	}, nil, obslog.Logf(obslog.New(obslog.Config{Service: "mtgateway"})))

	return newClient(token, o, transport.NewGorillaDialer(), resolver.ResolveWebsocketBase)
}

// newClient builds a Client against caller-supplied dialer and
// base-URL-resolution functions, letting tests substitute an in-memory
// fake dialer and a stub base-URL resolver (see client_test.go) the same
// way internal/transport's pool_test.go substitutes a fakeDialer,
// without making a real network connection or provisioning API call.
func newClient(token string, o Options, dialer transport.Dialer, resolveBase func(context.Context) (string, error)) (*Client, error) {
	logger := obslog.New(obslog.Config{Service: "mtgateway"})
	logf := obslog.Logf(logger)

	metricsReg, promReg := metrics.New()

	var packetLogger *obslog.PacketLogger
	if o.PacketLoggerEnabled {
		pl, err := obslog.NewPacketLogger(o.PacketLoggerDir, func(err error) {
			obslog.LogError(logger, err, "packet logger write failed", nil)
		})
		if err != nil {
			return nil, err
		}
		packetLogger = pl
	}

	var relay *obslog.Relay
	if o.NATSRelayURL != "" {
		r, err := obslog.NewRelay(o.NATSRelayURL, func(err error) {
			obslog.LogError(logger, err, "nats relay publish failed", nil)
		})
		if err != nil {
			return nil, err
		}
		relay = r
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opts:          o,
		token:         token,
		logger:        logger,
		metrics:       metricsReg,
		promReg:       promReg,
		sysstats:      sysstats.New(2 * time.Second),
		packetLogger:  packetLogger,
		relay:         relay,
		listeners:     listen.NewRegistry(),
		accountSocket: make(map[string]int),
		activeSubs:    make(map[string]map[int]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	// pool, router and supervisor all close over each other's
	// not-yet-assigned variables; the closures only run once every
	// variable below has been assigned its real value.
	var pool *transport.Pool
	var router *events.Router
	var supervisor *subscribe.Supervisor

	orderer := order.New(o.PacketOrderingTimeout,
		func(key order.InstanceKey, expected, actual int64, _ order.Packet, _ time.Time) {
			if !c.isSubscriptionActive(key.AccountID, key.InstanceIndex) {
				return
			}
			logf("out-of-order packet for %s instance %d: expected seq %d, got %d; restarting subscribe",
				key.AccountID, key.InstanceIndex, expected, actual)
			if supervisor != nil {
				supervisor.ScheduleSubscribe(key.AccountID, key.InstanceIndex)
			}
		},
		func(key order.InstanceKey, packets []order.Packet) {
			if router != nil {
				router.DeliverFromOrderer(key, packets)
			}
		},
	)

	resolveURL := func(ctx context.Context) (string, http.Header, error) {
		base, err := resolveBase(ctx)
		if err != nil {
			return "", nil, err
		}
		clientID := transport.NewClientID()
		rawURL, err := transport.BuildWebsocketURL(base, token, clientID)
		if err != nil {
			return "", nil, err
		}
		header := http.Header{}
		header.Set("Client-Id", clientID)
		return rawURL, header, nil
	}

	pool = transport.New(dialer, resolveURL, transport.Options{
		MaxAccountsPerInstance: o.MaxAccountsPerInstance,
		ConnectTimeout:         o.ConnectTimeout,
		SubscribeCooldown:      o.Retry.SubscribeCooldown,
		MaxConcurrentSync:      o.Throttler.MaxConcurrentSynchronizations,
		SyncQueueTimeout:       o.Throttler.QueueTimeout,
		Listeners:              c.listeners,
		Logf:                   logf,
	}, c.onFrame, func(socketIndex int) { c.onReconnected(socketIndex, supervisor) })

	supervisor = subscribe.New(subscribe.Callbacks{
		Subscribe: c.subscribeRPC,
		LockGlobal: func(meta *errs.TooManyRequestsError) {
			pool.LockSocketInstance(-1, toSubscribeLock(meta))
		},
		LockPerSocket: func(accountID string, meta *errs.TooManyRequestsError) {
			if idx := c.socketIndexFor(accountID); idx >= 0 {
				pool.LockSocketInstance(idx, toSubscribeLock(meta))
			}
		},
		Unassign:         c.unassign,
		IsConnected:      c.isAccountConnected,
		IsAssigned:       func(accountID string) bool { return c.socketIndexFor(accountID) >= 0 },
		AccountsOnSocket: func(socketIndex int) []string { return c.accountsOnSocket(pool, socketIndex) },
		Logf:             logf,
	}, 0, 0)

	router = events.New(events.Deps{
		Orderer:   orderer,
		Listeners: c.listeners,
		ActiveSyncIDs: func(socketIndex int) map[string]bool {
			sockets := pool.Sockets()
			if socketIndex < 0 || socketIndex >= len(sockets) {
				return nil
			}
			return sockets[socketIndex].Throttler.ActiveIDs()
		},
		SessionIDFor: func(socketIndex int) string {
			sockets := pool.Sockets()
			if socketIndex < 0 || socketIndex >= len(sockets) {
				return ""
			}
			return sockets[socketIndex].SessionID()
		},
		IsSubscriptionActive: c.isSubscriptionActive,
		Unsubscribe:          c.unsubscribeRPC,
		EnsureSubscribe:      func(accountID string, instanceNumber int) { supervisor.ScheduleSubscribe(accountID, instanceNumber) },
		CancelSubscribe:      func(accountID string, instanceNumber int) { supervisor.CancelSubscribe(accountID, instanceNumber) },
		OnDisconnectedSupervisor: func(accountID string, instanceNumber int) {
			supervisor.OnDisconnected(accountID, instanceNumber)
		},
		OnTimeoutSupervisor: func(accountID string, instanceNumber int) {
			supervisor.OnTimeout(accountID, instanceNumber)
		},
		UnsubscribeThrottle: o.UnsubscribeThrottlingInterval,
		Logf:                logf,
	})

	c.pool = pool
	c.router = router
	c.supervisor = supervisor
	c.orderer = orderer

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.sysstats.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runMetricsLoop(ctx)
	}()

	return c, nil
}

func toSubscribeLock(meta *errs.TooManyRequestsError) transport.SubscribeLock {
	return transport.SubscribeLock{
		Type:                 meta.Type,
		RecommendedRetryTime: time.UnixMilli(meta.RecommendedRetryTime),
		LockedAtAccounts:     meta.LockedAtAccounts,
		LockedAtTime:         time.Now(),
	}
}

func (c *Client) accountsOnSocket(pool *transport.Pool, socketIndex int) []string {
	sockets := pool.Sockets()
	if socketIndex < 0 || socketIndex >= len(sockets) {
		return nil
	}
	return sockets[socketIndex].AssignedAccountIDs()
}

// Subscribe starts (or restarts) the background subscribe loop for
// accountId:instanceNumber. Per spec.md §7, subscribe failures are never
// surfaced here — they retry with backoff and are only observable via
// onConnected/onDisconnected listener callbacks.
func (c *Client) Subscribe(ctx context.Context, accountID string, instanceNumber int) error {
	c.mu.Lock()
	if c.activeSubs[accountID] == nil {
		c.activeSubs[accountID] = make(map[int]bool)
	}
	c.activeSubs[accountID][instanceNumber] = true
	c.mu.Unlock()

	c.metrics.SubscribeAttempts.WithLabelValues("scheduled").Inc()
	c.supervisor.ScheduleSubscribe(accountID, instanceNumber)
	return nil
}

// Unsubscribe cancels the subscribe loop, releases the account's socket
// assignment, and discards the packet orderer's buffered state for the
// accountId:instanceNumber stream that carries no host; orderer streams
// keyed by a host are not purged here. A supplemented operation (see
// SPEC_FULL.md) the original distillation omitted.
func (c *Client) Unsubscribe(ctx context.Context, accountID string, instanceNumber int) error {
	c.supervisor.CancelSubscribe(accountID, instanceNumber)

	c.mu.Lock()
	if insts, ok := c.activeSubs[accountID]; ok {
		delete(insts, instanceNumber)
		if len(insts) == 0 {
			delete(c.activeSubs, accountID)
		}
	}
	idx, hasSocket := c.accountSocket[accountID]
	delete(c.accountSocket, accountID)
	c.mu.Unlock()

	if hasSocket {
		if sockets := c.pool.Sockets(); idx >= 0 && idx < len(sockets) {
			sockets[idx].UnassignAccount(accountID)
		}
	}

	c.orderer.StreamClosed(order.InstanceKey{AccountID: accountID, InstanceIndex: instanceNumber})
	return nil
}

// subscribeRPC is the supervisor's SubscribeFunc: it assigns the account
// to a socket (connecting a new one if needed) and issues one
// "subscribe" request with no retry, per spec.md §4.6 step 3.
func (c *Client) subscribeRPC(ctx context.Context, accountID string, instanceNumber int) error {
	sock, err := c.pool.Assign(ctx, accountID)
	if err != nil {
		c.metrics.SubscribeAttempts.WithLabelValues("assign_failed").Inc()
		return err
	}

	c.mu.Lock()
	c.accountSocket[accountID] = sock.Index
	c.mu.Unlock()

	request := map[string]any{
		"type":          "subscribe",
		"accountId":     accountID,
		"application":   c.opts.Application,
		"instanceIndex": instanceNumber,
		"sessionId":     sock.SessionID(),
	}
	_, err = sock.Mux.SingleAttempt(ctx, request, c.opts.RequestTimeout)
	if err != nil {
		c.metrics.SubscribeAttempts.WithLabelValues("failed").Inc()
		return err
	}
	c.metrics.SubscribeAttempts.WithLabelValues("ok").Inc()
	return nil
}

// unsubscribeRPC is internal/events' throttled best-effort unsubscribe,
// fired when an inbound event arrives for an account whose subscription
// is no longer wanted.
func (c *Client) unsubscribeRPC(ctx context.Context, accountID string, instanceIndex int) error {
	idx := c.socketIndexFor(accountID)
	if idx < 0 {
		return nil
	}
	sockets := c.pool.Sockets()
	if idx >= len(sockets) {
		return nil
	}
	request := map[string]any{
		"type":          "unsubscribe",
		"accountId":     accountID,
		"application":   c.opts.Application,
		"instanceIndex": instanceIndex,
	}
	_, err := sockets[idx].Mux.SingleAttempt(ctx, request, c.opts.RequestTimeout)
	return err
}

// Synchronize requests a full-state resync for accountId:instanceNumber,
// blocking on the per-socket throttle slot before issuing the
// "synchronize" RPC (spec.md §4.3/§4.6). req carries the caller's
// host/startingHistoryOrderTime/startingDealTime/specificationsMd5/
// positionsMd5/ordersMd5 fields.
func (c *Client) Synchronize(ctx context.Context, accountID string, instanceNumber int, req map[string]any) error {
	idx := c.socketIndexFor(accountID)
	if idx < 0 {
		return &errs.NotConnectedError{Message: "account " + accountID + " is not assigned to a socket"}
	}
	sockets := c.pool.Sockets()
	if idx >= len(sockets) {
		return &errs.NotConnectedError{Message: "account " + accountID + " socket no longer exists"}
	}
	sock := sockets[idx]

	synchronizationID, _ := req["synchronizationId"].(string)
	if synchronizationID == "" {
		synchronizationID = uuid.NewString()
	}

	if err := sock.Throttler.ScheduleSynchronize(ctx, accountID, synchronizationID); err != nil {
		return err
	}

	request := map[string]any{
		"type":              "synchronize",
		"accountId":         accountID,
		"application":       c.opts.Application,
		"instanceIndex":     instanceNumber,
		"synchronizationId": synchronizationID,
	}
	for k, v := range req {
		request[k] = v
	}

	_, err := sock.Mux.SingleAttempt(ctx, request, c.opts.RequestTimeout)
	if err != nil {
		sock.Throttler.RemoveSynchronizationID(synchronizationID)
	}
	return err
}

// SendRequest issues a generic RPC for accountId. "trade" and "subscribe"
// request types get a single attempt with no retry (spec.md §4.6 step 3);
// every other type goes through the full retry policy (step 4), aborting
// early if the account is reassigned to a different socket mid-retry.
func (c *Client) SendRequest(ctx context.Context, accountID, requestType string, payload map[string]any) (json.RawMessage, error) {
	idx := c.socketIndexFor(accountID)
	if idx < 0 {
		return nil, &errs.NotConnectedError{Message: "account " + accountID + " is not assigned to a socket"}
	}
	sockets := c.pool.Sockets()
	if idx >= len(sockets) {
		return nil, &errs.NotConnectedError{Message: "account " + accountID + " socket no longer exists"}
	}
	sock := sockets[idx]

	request := map[string]any{
		"type":        requestType,
		"accountId":   accountID,
		"application": c.opts.Application,
	}
	for k, v := range payload {
		request[k] = v
	}

	outcome := "ok"
	start := time.Now()
	defer func() {
		c.metrics.RPCRequestsTotal.WithLabelValues(requestType, outcome).Inc()
		c.metrics.RPCRequestDuration.WithLabelValues(requestType).Observe(time.Since(start).Seconds())
	}()

	if requestType == "trade" || requestType == "subscribe" {
		raw, err := sock.Mux.SingleAttempt(ctx, request, c.opts.RequestTimeout)
		if err != nil {
			outcome = "error"
		}
		return raw, err
	}

	policy := rpc.RetryPolicy{
		MinDelay:       c.opts.Retry.MinDelay,
		MaxDelay:       c.opts.Retry.MaxDelay,
		Retries:        c.opts.Retry.Retries,
		RequestTimeout: c.opts.RequestTimeout,
	}
	stillAssigned := func() bool { return c.socketIndexFor(accountID) == idx }

	raw, err := sock.Mux.Call(ctx, request, policy, stillAssigned)
	if err != nil {
		outcome = "error"
	}
	return raw, err
}

// WaitSynchronized blocks until both the deal and order synchronization
// streams have finished for synchronizationID, ctx is done, or timeout
// elapses (0 means c.opts.RequestTimeout). A supplemented operation (see
// SPEC_FULL.md) preserved from the original's waitSynchronized.
func (c *Client) WaitSynchronized(ctx context.Context, synchronizationID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.router.WaitSynchronized(waitCtx, synchronizationID)
}

// AddSynchronizationListener registers l for accountID's lifecycle and
// state-sync events.
func (c *Client) AddSynchronizationListener(accountID string, l SynchronizationListener) {
	c.listeners.AddSynchronizationListener(accountID, l)
}

// RemoveSynchronizationListener unregisters l, if registered.
func (c *Client) RemoveSynchronizationListener(accountID string, l SynchronizationListener) {
	c.listeners.RemoveSynchronizationListener(accountID, l)
}

// AddLatencyListener registers l for every account's request/response and
// update timing telemetry.
func (c *Client) AddLatencyListener(l LatencyListener) { c.listeners.AddLatencyListener(l) }

// RemoveLatencyListener unregisters l, if registered.
func (c *Client) RemoveLatencyListener(l LatencyListener) { c.listeners.RemoveLatencyListener(l) }

// AddReconnectListener registers l to be notified whenever the socket
// carrying accountID reconnects.
func (c *Client) AddReconnectListener(accountID string, l ReconnectListener) {
	c.listeners.AddReconnectListener(accountID, l)
}

// RemoveReconnectListener unregisters l, if registered.
func (c *Client) RemoveReconnectListener(accountID string, l ReconnectListener) {
	c.listeners.RemoveReconnectListener(accountID, l)
}

// RemoveAllListeners resets every listener registry to empty, for test
// teardown (spec.md §8's idempotence law).
func (c *Client) RemoveAllListeners() { c.listeners.RemoveAllListeners() }

// Stats is a point-in-time snapshot of pool/throttle/supervisor state,
// cheaper than scraping the Prometheus registry for callers that just
// want a quick health check.
type Stats struct {
	SocketsConnected int
	PendingRequests  int
	ActiveSyncs      int
	QueuedSyncs      int
	ActiveLoops      int
}

// Stats returns the current Stats snapshot.
func (c *Client) Stats() Stats {
	var s Stats
	for _, sock := range c.pool.Sockets() {
		if sock.Connected() {
			s.SocketsConnected++
		}
		s.PendingRequests += sock.Mux.PendingCount()
		s.ActiveSyncs += sock.Throttler.ActiveCount()
		s.QueuedSyncs += sock.Throttler.QueueDepth()
	}
	s.ActiveLoops = c.supervisor.ActiveLoopCount()
	return s
}

// HealthSnapshot reports the client process's current CPU/memory/
// goroutine usage, backed by internal/sysstats.
func (c *Client) HealthSnapshot() sysstats.Snapshot {
	return c.sysstats.Latest()
}

// MetricsRegistry exposes the private Prometheus registry backing this
// client's instrumentation, for mounting behind promhttp.HandlerFor in
// the embedding application.
func (c *Client) MetricsRegistry() *prometheus.Registry {
	return c.promReg
}

// Close tears the client down: cancels background goroutines, closes
// every socket (failing pending RPCs and releasing throttled
// synchronizations), drains the optional NATS relay, and closes the
// optional packet log file. Independent teardown steps run concurrently
// via errgroup, mirroring the teacher's own shutdown fan-out.
func (c *Client) Close() error {
	c.cancel()

	var g errgroup.Group
	g.Go(c.pool.Close)
	g.Go(func() error {
		if c.relay != nil {
			c.relay.Close()
		}
		return nil
	})
	g.Go(func() error {
		if c.packetLogger != nil {
			return c.packetLogger.Close()
		}
		return nil
	})
	err := g.Wait()

	c.listeners.RemoveAllListeners()
	c.wg.Wait()
	return err
}

func (c *Client) socketIndexFor(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.accountSocket[accountID]
	if !ok {
		return -1
	}
	return idx
}

func (c *Client) isAccountConnected(accountID string) bool {
	idx := c.socketIndexFor(accountID)
	if idx < 0 {
		return false
	}
	sockets := c.pool.Sockets()
	if idx >= len(sockets) {
		return false
	}
	return sockets[idx].Connected()
}

func (c *Client) isSubscriptionActive(accountID string, instanceIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	insts, ok := c.activeSubs[accountID]
	if !ok {
		return false
	}
	return insts[instanceIndex]
}

func (c *Client) unassign(accountID string) {
	idx := c.socketIndexFor(accountID)
	if idx >= 0 {
		if sockets := c.pool.Sockets(); idx < len(sockets) {
			sockets[idx].UnassignAccount(accountID)
		}
	}
	c.mu.Lock()
	delete(c.accountSocket, accountID)
	c.mu.Unlock()
}

// onFrame routes one inbound frame to the RPC multiplexer (response/
// processingError) or the event router (synchronization), per spec.md
// §6's event enumeration.
func (c *Client) onFrame(socketIndex int, f transport.Frame) {
	sockets := c.pool.Sockets()
	if socketIndex < 0 || socketIndex >= len(sockets) {
		return
	}
	sock := sockets[socketIndex]

	switch f.Event {
	case "response":
		requestID, _ := f.Data["requestId"].(string)
		raw, err := json.Marshal(f.Data)
		if err != nil {
			obslog.LogError(c.logger, err, "marshal response frame", nil)
			return
		}
		sock.Mux.HandleResponse(requestID, raw)

	case "processingError":
		b, err := json.Marshal(f.Data)
		if err != nil {
			obslog.LogError(c.logger, err, "marshal processingError frame", nil)
			return
		}
		var frame errs.ErrorFrame
		if err := json.Unmarshal(b, &frame); err != nil {
			obslog.LogError(c.logger, err, "decode processingError frame", nil)
			return
		}
		sock.Mux.HandleProcessingError(frame)

	case "synchronization":
		c.handleSynchronizationFrame(socketIndex, f.Data)
	}
}

func (c *Client) handleSynchronizationFrame(socketIndex int, data map[string]any) {
	env := events.Envelope{SocketIndex: socketIndex, Raw: data}
	env.AccountID, _ = data["accountId"].(string)
	env.Type, _ = data["type"].(string)
	env.Host, _ = data["host"].(string)
	env.SynchronizationID, _ = data["synchronizationId"].(string)
	if v, ok := data["instanceIndex"]; ok {
		env.InstanceIndex = toInt(v)
	}
	if v, ok := data["sequenceNumber"]; ok {
		if n, ok := toInt64(v); ok {
			env.SequenceNumber = &n
		}
	}

	if c.packetLogger != nil || c.relay != nil {
		rec := obslog.PacketRecord{
			AccountID:     env.AccountID,
			InstanceIndex: env.InstanceIndex,
			Type:          env.Type,
			Payload:       data,
		}
		if c.packetLogger != nil {
			c.packetLogger.Log(rec)
		}
		if c.relay != nil {
			c.relay.Publish(rec)
		}
	}

	c.router.HandleFrame(env)
}

// onReconnected notifies every reconnect listener for an account carried
// on socketIndex before restarting its subscribes, a SPEC_FULL.md
// supplemented ordering guarantee (listeners get a chance to re-arm
// account-specific state before traffic resumes).
func (c *Client) onReconnected(socketIndex int, supervisor *subscribe.Supervisor) {
	sockets := c.pool.Sockets()
	if socketIndex < 0 || socketIndex >= len(sockets) {
		return
	}
	accountIDs := sockets[socketIndex].AssignedAccountIDs()

	for _, accountID := range accountIDs {
		instanceIndex := c.firstInstanceIndexFor(accountID)
		for _, l := range c.listeners.ReconnectListenersFor(accountID) {
			c.safeReconnectCall(accountID, instanceIndex, l)
		}
	}

	if supervisor != nil {
		supervisor.OnReconnected(socketIndex, accountIDs)
	}
}

func (c *Client) firstInstanceIndexFor(accountID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := range c.activeSubs[accountID] {
		return fmt.Sprintf("%d", n)
	}
	return "0"
}

func (c *Client) safeReconnectCall(accountID, instanceIndex string, l ReconnectListener) {
	defer obslog.RecoverPanic(c.logger, "reconnect-listener", map[string]any{"accountId": accountID})
	if err := l.OnReconnected(instanceIndex); err != nil {
		obslog.LogError(c.logger, err, "reconnect listener failed", map[string]any{"accountId": accountID})
	}
}

func (c *Client) runMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleMetrics()
		}
	}
}

func (c *Client) sampleMetrics() {
	stats := c.Stats()
	c.metrics.SocketsConnected.Set(float64(stats.SocketsConnected))
	c.metrics.RPCPendingInFlight.Set(float64(stats.PendingRequests))
	c.metrics.ThrottleActive.Set(float64(stats.ActiveSyncs))
	c.metrics.ThrottleQueueDepth.Set(float64(stats.QueuedSyncs))
	c.metrics.SubscribeLoopsActive.Set(float64(stats.ActiveLoops))
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
