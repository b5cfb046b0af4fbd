package mtgateway

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/mtgateway/internal/listen"
	"github.com/adred-codev/mtgateway/internal/transport"
)

// fakeConn is an in-memory transport.Conn, the same role
// internal/transport's pool_test.go gives its fakeConn, extended with an
// outbound channel so a test can answer RPCs and inject synchronization
// frames without a real gateway.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
	in     chan transport.Frame
	out    chan transport.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan transport.Frame, 16), out: make(chan transport.Frame, 16)}
}

func (c *fakeConn) WriteFrame(ctx context.Context, f transport.Frame) error {
	c.out <- f
	return nil
}

func (c *fakeConn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	f, ok := <-c.in
	if !ok {
		return transport.Frame{}, context.Canceled
	}
	return f, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (transport.Conn, error) {
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) nthConn(t *testing.T, n int) *fakeConn {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		d.mu.Lock()
		if len(d.conns) > n {
			c := d.conns[n]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dialed connection #%d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func testResolveBase(ctx context.Context) (string, error) {
	return "wss://gateway.example", nil
}

// respondTo waits for the next outbound request on conn and answers it
// with a "response" frame carrying payload merged over the minimal
// required fields.
func respondTo(t *testing.T, conn *fakeConn, payload map[string]any) {
	t.Helper()
	select {
	case f := <-conn.out:
		requestID, _ := f.Data["requestId"].(string)
		resp := map[string]any{"type": "response", "requestId": requestID}
		for k, v := range payload {
			resp[k] = v
		}
		conn.in <- transport.Frame{Event: "response", Data: resp}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound request to respond to")
	}
}

func newTestClient(t *testing.T) (*Client, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	o := DefaultOptions()
	o.ConnectTimeout = 2 * time.Second
	o.RequestTimeout = 2 * time.Second
	c, err := newClient("test-token", o, dialer, testResolveBase)
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, dialer
}

// testListener is a SynchronizationListener + ReconnectListener double
// whose callbacks are overridable per test, avoiding a fresh anonymous
// struct type for every scenario.
type testListener struct {
	listen.SynchronizationListenerBase
	onConnected   func(instanceIndex string, replicas int)
	onReconnected func(instanceIndex string) error
}

func (l *testListener) OnConnected(instanceIndex string, replicas int) {
	if l.onConnected != nil {
		l.onConnected(instanceIndex, replicas)
	}
}

func (l *testListener) OnReconnected(instanceIndex string) error {
	if l.onReconnected != nil {
		return l.onReconnected(instanceIndex)
	}
	return nil
}

func TestClient_SubscribeSuccessFiresOnConnected(t *testing.T) {
	c, dialer := newTestClient(t)

	connected := make(chan int, 1)
	l := &testListener{onConnected: func(_ string, replicas int) { connected <- replicas }}
	c.AddSynchronizationListener("acct-1", l)

	if err := c.Subscribe(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn := dialer.nthConn(t, 0)
	respondTo(t, conn, nil)

	sessionID := c.pool.Sockets()[0].SessionID()
	conn.in <- transport.Frame{Event: "synchronization", Data: map[string]any{
		"type":          "authenticated",
		"accountId":     "acct-1",
		"instanceIndex": float64(0),
		"host":          "host-1",
		"sessionId":     sessionID,
	}}

	select {
	case replicas := <-connected:
		if replicas != 1 {
			t.Fatalf("want 1 connected replica, got %d", replicas)
		}
	case <-time.After(time.Second):
		t.Fatal("onConnected never fired")
	}
}

func TestClient_UnsubscribeCancelsLoopAndUnassignsSocket(t *testing.T) {
	c, dialer := newTestClient(t)

	if err := c.Subscribe(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := dialer.nthConn(t, 0)
	respondTo(t, conn, nil)

	// Give subscribeRPC's success path a moment to record the assignment.
	time.Sleep(20 * time.Millisecond)
	if idx := c.socketIndexFor("acct-1"); idx < 0 {
		t.Fatal("expected acct-1 to be assigned to a socket after subscribe")
	}

	if err := c.Unsubscribe(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if idx := c.socketIndexFor("acct-1"); idx >= 0 {
		t.Fatal("expected acct-1 unassigned after Unsubscribe")
	}
	if c.isSubscriptionActive("acct-1", 0) {
		t.Fatal("expected subscription no longer marked active after Unsubscribe")
	}
}

func TestClient_SynchronizeAndWaitSynchronized(t *testing.T) {
	c, dialer := newTestClient(t)

	if err := c.Subscribe(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := dialer.nthConn(t, 0)
	respondTo(t, conn, nil)
	time.Sleep(20 * time.Millisecond)

	syncDone := make(chan error, 1)
	go func() {
		select {
		case f := <-conn.out:
			if f.Data["type"] != "synchronize" {
				syncDone <- nil
				return
			}
			requestID, _ := f.Data["requestId"].(string)
			conn.in <- transport.Frame{Event: "response", Data: map[string]any{
				"type": "response", "requestId": requestID,
			}}
		case <-time.After(time.Second):
		}
	}()

	syncID := "sync-1"
	if err := c.Synchronize(context.Background(), "acct-1", 0, map[string]any{"synchronizationId": syncID}); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	<-syncDone

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.router.WaitSynchronized(waitCtx, syncID) }()

	conn.in <- transport.Frame{Event: "synchronization", Data: map[string]any{
		"type":              "dealSynchronizationFinished",
		"accountId":         "acct-1",
		"instanceIndex":     float64(0),
		"host":              "host-1",
		"synchronizationId": syncID,
	}}
	conn.in <- transport.Frame{Event: "synchronization", Data: map[string]any{
		"type":              "orderSynchronizationFinished",
		"accountId":         "acct-1",
		"instanceIndex":     float64(0),
		"host":              "host-1",
		"synchronizationId": syncID,
	}}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("WaitSynchronized: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitSynchronized never returned")
	}
}

func TestClient_ReconnectNotifiesListenerBeforeResubscribe(t *testing.T) {
	c, dialer := newTestClient(t)

	if err := c.Subscribe(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := dialer.nthConn(t, 0)
	respondTo(t, conn, nil)
	time.Sleep(20 * time.Millisecond)

	reconnected := make(chan string, 1)
	l := &testListener{onReconnected: func(instanceIndex string) error {
		reconnected <- instanceIndex
		return nil
	}}
	c.AddReconnectListener("acct-1", l)

	// Simulate the gateway dropping the connection: closing the fake
	// conn's read side makes readPump observe an error and trigger the
	// pool's reconnect path.
	_ = conn.Close()

	select {
	case instanceIndex := <-reconnected:
		if instanceIndex != "0" {
			t.Fatalf("want reconnect notice for instance 0, got %q", instanceIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect listener never fired")
	}

	// The reconnect path dials a second fake connection; answer its
	// resubscribe so the background loop doesn't spin retrying forever
	// for the remainder of the test.
	conn2 := dialer.nthConn(t, 1)
	respondTo(t, conn2, nil)
}
