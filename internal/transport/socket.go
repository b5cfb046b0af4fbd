package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/adred-codev/mtgateway/internal/errs"
	"github.com/adred-codev/mtgateway/internal/rpc"
	"github.com/adred-codev/mtgateway/internal/throttle"
)

// Socket is one SocketInstance (C5): a single gateway connection plus
// everything that hangs off it per-connection — session identity, the
// pending-request correlator, the per-socket synchronization throttler,
// and an optional per-socket subscribe lock.
type Socket struct {
	Index int

	mu            sync.Mutex
	conn          Conn
	sessionID     string
	clientID      string
	connected     bool
	reconnecting  bool
	connectResult chan struct{}
	connectErr    error
	lock          *SubscribeLock
	assigned      map[string]struct{} // accountId -> present

	Mux       *rpc.Multiplexer
	Throttler *throttle.Throttler

	dialer    Dialer
	urlFn     func(ctx context.Context) (string, http.Header, error)
	connectTimeout time.Duration

	onFrame func(socketIndex int, f Frame)
	onClosed func(socketIndex int, err error)
}

func newSocket(index int, dialer Dialer, urlFn func(context.Context) (string, http.Header, error), connectTimeout time.Duration, onFrame func(int, Frame), onClosed func(int, error), maxConcurrentSync int, syncQueueTimeout time.Duration) *Socket {
	s := &Socket{
		Index:          index,
		assigned:       make(map[string]struct{}),
		dialer:         dialer,
		urlFn:          urlFn,
		connectTimeout: connectTimeout,
		onFrame:        onFrame,
		onClosed:       onClosed,
		Throttler:      throttle.New(maxConcurrentSync, syncQueueTimeout),
	}
	s.Mux = rpc.New(s.send)
	return s
}

// send writes a frame, used as the rpc.Multiplexer's SendFunc.
func (s *Socket) send(ctx context.Context, event string, data map[string]any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteFrame(ctx, Frame{Event: event, Data: data})
}

// connect dials the gateway, regenerating clientId/sessionId per spec.md
// §4.5, and loops until connected or connectTimeout elapses. On success it
// starts the read pump that feeds inbound frames to onFrame.
func (s *Socket) connect(ctx context.Context) error {
	deadline := time.Now().Add(s.connectTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		url, header, err := s.urlFn(ctx)
		if err != nil {
			return err
		}
		clientID := NewClientID()
		sessionID := NewSessionID()

		dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		conn, err := s.dialer.Dial(dialCtx, url, header)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(200 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.clientID = clientID
		s.sessionID = sessionID
		s.connected = true
		s.connectResult = make(chan struct{})
		close(s.connectResult)
		s.mu.Unlock()

		go s.readPump(conn)
		return nil
	}
	if lastErr == nil {
		lastErr = errConnectTimeout
	}
	return lastErr
}

func (s *Socket) readPump(conn Conn) {
	for {
		f, err := conn.ReadFrame(context.Background())
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		if s.onFrame != nil {
			s.onFrame(s.Index, f)
		}
	}
}

func (s *Socket) handleDisconnect(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.Throttler.OnDisconnect()
	s.Mux.FailAll(errNotConnected)
	if s.onClosed != nil {
		s.onClosed(s.Index, err)
	}
}

// SessionID returns the current connect's session nonce.
func (s *Socket) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connected reports whether the socket currently believes it's connected.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// WaitConnectResult blocks until the socket's connect attempt resolves or
// ctx is done.
func (s *Socket) WaitConnectResult(ctx context.Context) error {
	s.mu.Lock()
	ch := s.connectResult
	s.mu.Unlock()
	if ch == nil {
		return errNotConnected
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AssignAccount records accountId as assigned to this socket. Returns
// false if the socket is already at MaxAccountsPerInstance.
func (s *Socket) AssignAccount(accountID string, maxPerInstance int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assigned[accountID]; ok {
		return true
	}
	if len(s.assigned) >= maxPerInstance {
		return false
	}
	s.assigned[accountID] = struct{}{}
	return true
}

// UnassignAccount removes accountId, e.g. on explicit unsubscribe.
func (s *Socket) UnassignAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assigned, accountID)
}

// AssignedCount reports how many accounts are currently placed on this
// socket.
func (s *Socket) AssignedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assigned)
}

// AssignedAccountIDs lists the accounts currently placed on this socket,
// used after a reconnect to tell the supervisor which accounts need
// resubscribing.
func (s *Socket) AssignedAccountIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.assigned))
	for id := range s.assigned {
		out = append(out, id)
	}
	return out
}

// SetLock installs or clears the socket's per-socket subscribe lock.
func (s *Socket) SetLock(l *SubscribeLock) {
	s.mu.Lock()
	s.lock = l
	s.mu.Unlock()
}

// Lock returns the current per-socket subscribe lock, if any.
func (s *Socket) Lock() *SubscribeLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock
}

// Close tears the socket down: fails every pending RPC with
// ErrConnectionClosed and releases every throttled synchronization. The
// Throttler itself keeps running its age-out sweep, since the same Socket
// and Throttler are reused across a reconnect (pool.reconnect calls Close
// before redialing).
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.connected = false
	s.mu.Unlock()

	s.Mux.FailAll(errs.ErrConnectionClosed)
	s.Throttler.OnDisconnect()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Shutdown is Close plus permanent teardown of the Throttler's background
// sweep. Only safe to call once the socket is being discarded for good
// (Pool.Close), never from the reconnect path.
func (s *Socket) Shutdown() error {
	err := s.Close()
	s.Throttler.Close()
	return err
}
