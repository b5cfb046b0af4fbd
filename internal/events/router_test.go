package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/mtgateway/internal/listen"
	"github.com/adred-codev/mtgateway/internal/order"
)

type recordingListener struct {
	listen.SynchronizationListenerBase
	mu        sync.Mutex
	connected []int
	synced    []string
}

func (l *recordingListener) OnConnected(instanceIndex string, replicas int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, replicas)
}

func (l *recordingListener) OnPositionsSynchronized(instanceIndex string, synchronizationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synced = append(l.synced, "positions:"+synchronizationID)
}

func (l *recordingListener) OnPendingOrdersSynchronized(instanceIndex string, synchronizationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synced = append(l.synced, "orders:"+synchronizationID)
}

func newTestRouter() (*Router, *listen.Registry) {
	reg := listen.NewRegistry()
	o := order.New(time.Minute, nil, nil)
	r := New(Deps{Orderer: o, Listeners: reg})
	return r, reg
}

func TestHandleFrame_AuthenticatedFiresOnConnected(t *testing.T) {
	r, reg := newTestRouter()
	l := &recordingListener{}
	reg.AddSynchronizationListener("A", l)

	r.HandleFrame(Envelope{Type: "authenticated", AccountID: "A", InstanceIndex: 0, Host: "h1", Raw: map[string]any{}})

	time.Sleep(30 * time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.connected) != 1 || l.connected[0] != 1 {
		t.Fatalf("want one onConnected(replicas=1), got %v", l.connected)
	}
}

func TestHandleFrame_PostSyncSynthesis(t *testing.T) {
	r, reg := newTestRouter()
	l := &recordingListener{}
	reg.AddSynchronizationListener("A", l)

	r.HandleFrame(Envelope{Type: "synchronizationStarted", AccountID: "A", Raw: map[string]any{
		"synchronizationId": "sync-1",
		"positionsUpdated":  false,
		"ordersUpdated":     false,
	}})
	time.Sleep(10 * time.Millisecond)
	r.HandleFrame(Envelope{Type: "accountInformation", AccountID: "A", Raw: map[string]any{}})
	time.Sleep(10 * time.Millisecond)
	r.HandleFrame(Envelope{Type: "positions", AccountID: "A", Raw: map[string]any{"positions": []any{}}})

	time.Sleep(30 * time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	foundPositions, foundOrders := false, false
	for _, s := range l.synced {
		if s == "positions:sync-1" {
			foundPositions = true
		}
		if s == "orders:sync-1" {
			foundOrders = true
		}
	}
	if !foundPositions {
		t.Fatalf("want onPositionsSynchronized synthesized, got %v", l.synced)
	}
	if !foundOrders {
		t.Fatalf("want onPendingOrdersSynchronized synthesized, got %v", l.synced)
	}
	r.mu.Lock()
	_, stillTracked := r.syncFlags["sync-1"]
	r.mu.Unlock()
	if stillTracked {
		t.Fatal("want sync flag cleared once both dimensions satisfied")
	}
}

func TestHandleFrame_DropsEventsWhenSubscriptionInactive(t *testing.T) {
	var unsubscribed int32
	r := New(Deps{
		Orderer:   order.New(time.Minute, nil, nil),
		Listeners: listen.NewRegistry(),
		IsSubscriptionActive: func(accountID string, instanceIndex int) bool {
			return false
		},
		Unsubscribe: func(ctx context.Context, accountID string, instanceIndex int) error {
			atomic.AddInt32(&unsubscribed, 1)
			return nil
		},
		UnsubscribeThrottle: time.Hour,
	})

	r.HandleFrame(Envelope{Type: "update", AccountID: "A", Raw: map[string]any{}})
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&unsubscribed) != 1 {
		t.Fatalf("want one throttled unsubscribe attempt, got %d", unsubscribed)
	}

	r.HandleFrame(Envelope{Type: "update", AccountID: "A", Raw: map[string]any{}})
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&unsubscribed) != 1 {
		t.Fatalf("want unsubscribe throttled to once within the interval, got %d", unsubscribed)
	}
}
