package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adred-codev/mtgateway/internal/errs"
	"github.com/adred-codev/mtgateway/internal/listen"
)

type recordingLatencyListener struct {
	trades    []string
	responses []string
}

func (l *recordingLatencyListener) OnUpdate(string, map[string]any)             {}
func (l *recordingLatencyListener) OnSymbolPrice(string, string, map[string]any) {}

func (l *recordingLatencyListener) OnTrade(accountID string, _ map[string]any) {
	l.trades = append(l.trades, accountID)
}

func (l *recordingLatencyListener) OnResponse(accountID, requestType string, _ map[string]any) {
	l.responses = append(l.responses, accountID+":"+requestType)
}

func TestSingleAttempt_DeliversResponse(t *testing.T) {
	var sent map[string]any
	m := New(func(ctx context.Context, event string, data map[string]any) error {
		sent = data
		return nil
	})

	done := make(chan struct{})
	var raw json.RawMessage
	var err error
	go func() {
		raw, err = m.SingleAttempt(context.Background(), map[string]any{"type": "getAccountInformation"}, time.Second)
		close(done)
	}()

	// Wait for the request to register, then resolve it as the event
	// router would upon an inbound "response" frame.
	time.Sleep(20 * time.Millisecond)
	reqID, _ := sent["requestId"].(string)
	if reqID == "" {
		t.Fatal("expected requestId to be stamped onto the outbound request")
	}
	m.HandleResponse(reqID, json.RawMessage(`{"ok":true}`))

	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", raw)
	}
}

func TestSingleAttempt_TimesOut(t *testing.T) {
	m := New(func(ctx context.Context, event string, data map[string]any) error { return nil })
	_, err := m.SingleAttempt(context.Background(), map[string]any{"type": "ping"}, 20*time.Millisecond)
	if _, ok := err.(*errs.TimeoutError); !ok {
		t.Fatalf("expected TimeoutError, got %v (%T)", err, err)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected pending entry cleaned up after timeout, got %d", m.PendingCount())
	}
}

func TestSingleAttempt_ProcessingErrorClassified(t *testing.T) {
	var reqID string
	m := New(func(ctx context.Context, event string, data map[string]any) error {
		reqID = data["requestId"].(string)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.SingleAttempt(context.Background(), map[string]any{"type": "trade"}, time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.HandleProcessingError(errs.ErrorFrame{RequestID: reqID, ErrorKind: "TradeError", Message: "rejected", NumericCode: 1, StringCode: "ERR_TRADE_REJECTED"})

	err := <-done
	te, ok := err.(*errs.TradeError)
	if !ok {
		t.Fatalf("expected TradeError, got %v (%T)", err, err)
	}
	if te.StringCode != "ERR_TRADE_REJECTED" {
		t.Fatalf("unexpected trade error code: %+v", te)
	}
}

func TestCall_RetriesOnNotSynchronizedThenSucceeds(t *testing.T) {
	attempts := 0
	m := New(func(ctx context.Context, event string, data map[string]any) error { return nil })

	// Drive responses from a side goroutine: first attempt gets a
	// processingError, second gets a real response.
	go func() {
		for {
			time.Sleep(5 * time.Millisecond)
			m.mu.Lock()
			var reqID string
			for id := range m.pending {
				reqID = id
			}
			m.mu.Unlock()
			if reqID == "" {
				continue
			}
			attempts++
			if attempts == 1 {
				m.HandleProcessingError(errs.ErrorFrame{RequestID: reqID, ErrorKind: "NotSynchronizedError", Message: "not yet"})
			} else {
				m.HandleResponse(reqID, json.RawMessage(`{"ok":true}`))
				return
			}
		}
	}()

	policy := RetryPolicy{MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Retries: 3, RequestTimeout: time.Second}
	raw, err := m.Call(context.Background(), map[string]any{"type": "getPosition"}, policy, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", raw)
	}
}

func TestCall_AbortsWhenAssignmentLost(t *testing.T) {
	m := New(func(ctx context.Context, event string, data map[string]any) error { return nil })
	policy := RetryPolicy{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, Retries: 3, RequestTimeout: time.Second}
	_, err := m.Call(context.Background(), map[string]any{"type": "getPosition"}, policy, func() bool { return false })
	if err == nil {
		t.Fatal("expected error when account has lost its socket assignment")
	}
}

func TestHandleResponse_ReportsLatencyByRequestType(t *testing.T) {
	m := New(func(ctx context.Context, event string, data map[string]any) error { return nil })
	registry := listen.NewRegistry()
	l := &recordingLatencyListener{}
	registry.AddLatencyListener(l)
	m.SetLatencyHooks(registry, nil)

	done := make(chan struct{})
	var raw json.RawMessage
	go func() {
		raw, _ = m.SingleAttempt(context.Background(), map[string]any{"type": "trade"}, time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	var reqID string
	m.mu.Lock()
	for id := range m.pending {
		reqID = id
	}
	m.mu.Unlock()

	m.HandleResponse(reqID, json.RawMessage(`{"accountId":"acct-1","timestamps":{"clientProcessingStarted":1}}`))
	<-done

	if len(l.trades) != 1 || l.trades[0] != "acct-1" {
		t.Fatalf("expected OnTrade for acct-1, got %+v", l.trades)
	}
	if len(l.responses) != 0 {
		t.Fatalf("trade requests must not also fire OnResponse, got %+v", l.responses)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal stamped response: %v", err)
	}
	ts := decoded["timestamps"].(map[string]any)
	if _, ok := ts["clientProcessingFinished"]; !ok {
		t.Fatal("expected clientProcessingFinished to be stamped onto the response timestamps")
	}
}

func TestHandleResponse_NonTradeReportsOnResponse(t *testing.T) {
	m := New(func(ctx context.Context, event string, data map[string]any) error { return nil })
	registry := listen.NewRegistry()
	l := &recordingLatencyListener{}
	registry.AddLatencyListener(l)
	m.SetLatencyHooks(registry, nil)

	done := make(chan struct{})
	go func() {
		m.SingleAttempt(context.Background(), map[string]any{"type": "getAccountInformation"}, time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	var reqID string
	m.mu.Lock()
	for id := range m.pending {
		reqID = id
	}
	m.mu.Unlock()

	m.HandleResponse(reqID, json.RawMessage(`{"accountId":"acct-2","timestamps":{}}`))
	<-done

	if len(l.responses) != 1 || l.responses[0] != "acct-2:getAccountInformation" {
		t.Fatalf("expected OnResponse for acct-2:getAccountInformation, got %+v", l.responses)
	}
}

func TestFailAll_FailsEveryPending(t *testing.T) {
	m := New(func(ctx context.Context, event string, data map[string]any) error { return nil })
	done := make(chan error, 1)
	go func() {
		_, err := m.SingleAttempt(context.Background(), map[string]any{"type": "ping"}, time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.FailAll(errs.ErrConnectionClosed)
	if err := <-done; err != errs.ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
