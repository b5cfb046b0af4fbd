package transport

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/mtgateway/internal/errs"
)

// fakeConn is an in-memory Conn used to drive the pool/socket machinery
// without a real network, the same role the teacher's tests give an
// in-process fake listener.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
	in     chan Frame
}

func newFakeConn() *fakeConn { return &fakeConn{in: make(chan Frame, 8)} }

func (c *fakeConn) WriteFrame(ctx context.Context, f Frame) error { return nil }

func (c *fakeConn) ReadFrame(ctx context.Context) (Frame, error) {
	f, ok := <-c.in
	if !ok {
		return Frame{}, errs.ErrConnectionClosed
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

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func testResolveURL(ctx context.Context) (string, http.Header, error) {
	return "wss://gateway.example/ws", nil, nil
}

func TestPool_AssignCreatesSocketOnFirstUse(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(dialer, testResolveURL, Options{MaxAccountsPerInstance: 2}, nil, nil)

	s, err := p.Assign(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.AssignedCount() != 1 {
		t.Fatalf("want 1 assigned account, got %d", s.AssignedCount())
	}
}

func TestPool_AssignReusesSocketUnderCapacity(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(dialer, testResolveURL, Options{MaxAccountsPerInstance: 2}, nil, nil)

	s1, _ := p.Assign(context.Background(), "acct-1")
	s2, _ := p.Assign(context.Background(), "acct-2")
	if s1.Index != s2.Index {
		t.Fatalf("expected both accounts on the same socket under capacity")
	}

	s3, _ := p.Assign(context.Background(), "acct-3")
	if s3.Index == s1.Index {
		t.Fatalf("expected a new socket once capacity (2) was exhausted")
	}
}

func TestPool_PerSocketLockSkipsFullSocket(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(dialer, testResolveURL, Options{MaxAccountsPerInstance: 5}, nil, nil)

	s1, _ := p.Assign(context.Background(), "acct-1")
	p.LockSocketInstance(s1.Index, SubscribeLock{
		Type:                 errs.LockPerServer,
		RecommendedRetryTime: time.Now().Add(time.Hour),
		LockedAtAccounts:     1,
	})

	s2, err := p.Assign(context.Background(), "acct-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s2.Index == s1.Index {
		t.Fatalf("expected acct-2 placed on a new socket, locked socket was reused")
	}
}

func TestPool_LockOnEmptySocketForcesReconnectInstead(t *testing.T) {
	dialer := &fakeDialer{}
	reconnected := make(chan int, 1)
	p := New(dialer, testResolveURL, Options{MaxAccountsPerInstance: 5}, nil, func(idx int) { reconnected <- idx })

	s, _ := p.Assign(context.Background(), "acct-1")
	s.UnassignAccount("acct-1")

	p.LockSocketInstance(s.Index, SubscribeLock{Type: errs.LockPerServer, RecommendedRetryTime: time.Now().Add(time.Hour), LockedAtAccounts: 1})

	select {
	case idx := <-reconnected:
		if idx != s.Index {
			t.Fatalf("reconnected wrong socket: %d", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a force-reconnect for a zero-account locked socket")
	}
}

func TestPool_CloseFailsPendingAndMarksDisconnected(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(dialer, testResolveURL, Options{}, nil, nil)
	s, _ := p.Assign(context.Background(), "acct-1")

	done := make(chan error, 1)
	go func() {
		_, err := s.Mux.SingleAttempt(context.Background(), map[string]any{"type": "getAccountInformation"}, 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Connected() {
		t.Fatal("expected socket marked disconnected after pool close")
	}
	select {
	case err := <-done:
		if err != errs.ErrConnectionClosed {
			t.Fatalf("want ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request never failed on close")
	}
}
