// Package rpc implements the request/response correlator (C6): it
// allocates request ids, tracks one pending completion gate per
// in-flight request, and applies the gateway's retry policy on top of a
// caller-supplied send function. It is deliberately transport-agnostic —
// internal/transport owns one Multiplexer per socket and feeds it
// inbound response/processingError frames — grounded on the teacher's
// pending-map correlation idiom in the go-server submodule's
// pkg/websocket/client.go, generalized from a single implicit
// request-per-connection to an explicit requestId-keyed map.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/mtgateway/internal/errs"
	"github.com/adred-codev/mtgateway/internal/listen"
)

// SendFunc writes one outbound event frame (always "request" for this
// package's purposes) to the owning socket.
type SendFunc func(ctx context.Context, event string, data map[string]any) error

type pendingRequest struct {
	requestID   string
	requestType string
	result      chan json.RawMessage
	errCh       chan error
	once        sync.Once
}

func (p *pendingRequest) complete(raw json.RawMessage) {
	p.once.Do(func() { p.result <- raw })
}

func (p *pendingRequest) fail(err error) {
	p.once.Do(func() { p.errCh <- err })
}

// Multiplexer correlates outbound requests with inbound responses by
// requestId for one socket.
type Multiplexer struct {
	send SendFunc

	mu      sync.Mutex
	pending map[string]*pendingRequest

	latencyListeners func() []listen.LatencyListener
	logf             func(string, ...any)
}

// New builds a Multiplexer that writes outbound frames via send.
func New(send SendFunc) *Multiplexer {
	return &Multiplexer{send: send, pending: make(map[string]*pendingRequest), logf: func(string, ...any) {}}
}

// SetLatencyHooks wires the multiplexer to fan every completed response's
// round-trip timestamps out to listeners via listeners.LatencyListeners(),
// the way HandleResponse's counterpart in the original client dispatched
// on_trade/on_response off of its own request-resolve map. listeners may be
// nil to disable latency reporting.
func (m *Multiplexer) SetLatencyHooks(listeners *listen.Registry, logf func(string, ...any)) {
	if listeners != nil {
		m.latencyListeners = listeners.LatencyListeners
	}
	if logf != nil {
		m.logf = logf
	}
}

// RetryPolicy carries the tunables spec.md §4.6 parameterizes the retry
// loop with.
type RetryPolicy struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Retries       int
	RequestTimeout time.Duration
}

// DefaultRetryPolicy matches the upstream SDK's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MinDelay: time.Second, MaxDelay: 30 * time.Second, Retries: 5, RequestTimeout: 60 * time.Second}
}

// AssignmentCheck lets the caller report that the account has lost its
// socket assignment mid-retry (e.g. a subscribe-lock reassignment),
// which per spec.md §4.6 step 5 aborts the retry loop immediately.
type AssignmentCheck func() bool

// Call implements the full retry policy of spec.md §4.6 step 4 for
// request types other than "trade"/"subscribe" (callers use
// SingleAttempt for those). request must already carry
// accountId/application; each attempt (via SingleAttempt) adds a
// requestId if absent and overwrites "timestamps" with a fresh
// clientProcessingStarted stamp.
func (m *Multiplexer) Call(ctx context.Context, request map[string]any, policy RetryPolicy, stillAssigned AssignmentCheck) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if stillAssigned != nil && !stillAssigned() {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &errs.InternalError{Message: "account lost its socket assignment during retry"}
		}

		raw, err := m.SingleAttempt(ctx, request, policy.RequestTimeout)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if tmr, ok := err.(*errs.TooManyRequestsError); ok {
			remaining := policy.Retries - attempt
			cumulative := cumulativeBackoff(attempt, remaining, policy.MinDelay, policy.MaxDelay)
			retryAt := time.UnixMilli(tmr.RecommendedRetryTime)
			if attempt < policy.Retries && time.Now().Add(cumulative).After(retryAt) {
				sleepUntil(ctx, retryAt)
				continue
			}
			return nil, err
		}

		if errs.IsRetryable(err) {
			if attempt >= policy.Retries {
				return nil, err
			}
			delay := backoffDelay(attempt, policy.MinDelay, policy.MaxDelay)
			if !sleepFor(ctx, delay) {
				return nil, ctx.Err()
			}
			continue
		}

		return nil, err
	}
	return nil, lastErr
}

// SingleAttempt performs one request/response round trip with no retry,
// used directly for "trade" and "subscribe" requests (spec.md §4.6 step
// 3) and as the inner primitive Call builds its retry loop on top of.
func (m *Multiplexer) SingleAttempt(ctx context.Context, request map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	requestID, _ := request["requestId"].(string)
	if requestID == "" {
		requestID = uuid.NewString()
		request["requestId"] = requestID
	}
	requestType, _ := request["type"].(string)
	request["timestamps"] = map[string]any{"clientProcessingStarted": time.Now().UnixMilli()}

	pr := &pendingRequest{
		requestID:   requestID,
		requestType: requestType,
		result:      make(chan json.RawMessage, 1),
		errCh:       make(chan error, 1),
	}

	m.mu.Lock()
	m.pending[requestID] = pr
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}

	if err := m.send(ctx, "request", request); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-pr.result:
		cleanup()
		return raw, nil
	case err := <-pr.errCh:
		cleanup()
		return nil, err
	case <-timer.C:
		cleanup()
		return nil, &errs.TimeoutError{Message: "request " + requestID + " timed out"}
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// HandleResponse delivers an inbound "response" frame to the matching
// pending request, if any. Frames with no matching requestId (already
// timed out, or a stray duplicate) are silently dropped. If the response
// carries a timestamps object, it is stamped with clientProcessingFinished
// and fanned out to latency listeners keyed off the pending request's type
// (OnTrade for "trade", OnResponse otherwise), mirroring the original
// client's on_response handler.
func (m *Multiplexer) HandleResponse(requestID string, raw json.RawMessage) {
	m.mu.Lock()
	pr, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	raw = m.reportLatency(pr.requestType, raw)
	pr.complete(raw)
}

// reportLatency stamps raw's timestamps (if present) and notifies every
// registered latency listener, returning raw re-marshaled with the stamp
// applied. raw is returned unchanged if it carries no timestamps object,
// isn't a JSON object, or no latency listeners are registered.
func (m *Multiplexer) reportLatency(requestType string, raw json.RawMessage) json.RawMessage {
	if m.latencyListeners == nil {
		return raw
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return raw
	}
	tsRaw, ok := data["timestamps"]
	if !ok {
		return raw
	}
	timestamps, ok := tsRaw.(map[string]any)
	if !ok {
		return raw
	}
	accountID, _ := data["accountId"].(string)
	timestamps["clientProcessingFinished"] = time.Now().UnixMilli()
	data["timestamps"] = timestamps

	listeners := m.latencyListeners()
	for _, l := range listeners {
		l := l
		m.safeLatencyCall(accountID, func() {
			if requestType == "trade" {
				l.OnTrade(accountID, timestamps)
			} else {
				l.OnResponse(accountID, requestType, timestamps)
			}
		})
	}

	out, err := json.Marshal(data)
	if err != nil {
		return raw
	}
	return out
}

func (m *Multiplexer) safeLatencyCall(accountID string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logf("latency listener panicked for account %s: %v", accountID, rec)
		}
	}()
	fn()
}

// HandleProcessingError delivers an inbound "processingError" frame,
// classifying it via the shared error taxonomy before failing the
// pending request's gate.
func (m *Multiplexer) HandleProcessingError(frame errs.ErrorFrame) {
	m.mu.Lock()
	pr, ok := m.pending[frame.RequestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	pr.fail(errs.ClassifyError(frame))
}

// FailAll fails every pending request with err, used when the owning
// socket is closed or disconnected out from under them.
func (m *Multiplexer) FailAll(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()
	for _, pr := range pending {
		pr.fail(err)
	}
}

// PendingCount reports how many requests are currently in flight, for
// metrics.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func backoffDelay(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	d := minDelay << uint(attempt)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// cumulativeBackoff sums the backoff delay every remaining retry attempt
// would introduce, per spec.md §4.6 step 4's
// "sum of min(2^k*minDelay, maxDelay) over remaining retries".
func cumulativeBackoff(attempt, remaining int, minDelay, maxDelay time.Duration) time.Duration {
	var total time.Duration
	for k := attempt; k < attempt+remaining; k++ {
		total += backoffDelay(k, minDelay, maxDelay)
	}
	return total
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return sleepFor(ctx, d)
}
