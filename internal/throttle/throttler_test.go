package throttle

import (
	"context"
	"testing"
	"time"
)

func TestScheduleSynchronize_GrantsImmediatelyUnderCapacity(t *testing.T) {
	th := New(2, time.Second)
	t.Cleanup(th.Close)
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := th.ActiveCount(); got != 1 {
		t.Fatalf("want 1 active, got %d", got)
	}
}

func TestScheduleSynchronize_QueuesBeyondCapacity(t *testing.T) {
	th := New(1, 5*time.Second)
	t.Cleanup(th.Close)
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- th.ScheduleSynchronize(context.Background(), "B", "sync-2")
	}()

	time.Sleep(50 * time.Millisecond)
	if th.QueueDepth() != 1 {
		t.Fatalf("want sync-2 queued, depth=%d", th.QueueDepth())
	}

	th.RemoveSynchronizationID("sync-1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sync-2 never got its slot after sync-1 released")
	}
	if th.ActiveCount() != 1 {
		t.Fatalf("want sync-2 active, got %d", th.ActiveCount())
	}
}

func TestScheduleSynchronize_SupersedesPreviousForSameAccount(t *testing.T) {
	th := New(1, 5*time.Second)
	t.Cleanup(th.Close)
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-1"); err != nil {
		t.Fatal(err)
	}
	// Second synchronize for the same account should cancel/remove sync-1
	// and take its slot.
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-2"); err != nil {
		t.Fatal(err)
	}
	if th.ActiveCount() != 1 {
		t.Fatalf("want exactly 1 active after supersession, got %d", th.ActiveCount())
	}
}

func TestScheduleSynchronize_QueueTimeout(t *testing.T) {
	th := New(1, 30*time.Millisecond)
	t.Cleanup(th.Close)
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-1"); err != nil {
		t.Fatal(err)
	}
	err := th.ScheduleSynchronize(context.Background(), "B", "sync-2")
	if err == nil {
		t.Fatal("expected queue timeout error")
	}
}

func TestOnDisconnect_ReleasesEverything(t *testing.T) {
	th := New(1, 5*time.Second)
	t.Cleanup(th.Close)
	th.ScheduleSynchronize(context.Background(), "A", "sync-1")
	go th.ScheduleSynchronize(context.Background(), "B", "sync-2")
	time.Sleep(20 * time.Millisecond)

	th.OnDisconnect()

	if th.ActiveCount() != 0 || th.QueueDepth() != 0 {
		t.Fatalf("want everything released, active=%d queue=%d", th.ActiveCount(), th.QueueDepth())
	}
}

func TestSweep_EvictsStaleActiveEntryAndWakesWaiter(t *testing.T) {
	th := NewWithMaxAge(1, 5*time.Second, 40*time.Millisecond)
	t.Cleanup(th.Close)
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- th.ScheduleSynchronize(context.Background(), "B", "sync-2")
	}()

	// sync-1 never calls UpdateSynchronizationID, so once it exceeds
	// maxActiveAge the sweep should evict it and hand sync-2 its slot,
	// without anyone calling RemoveSynchronizationID.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync-2 never got its slot after sync-1 aged out")
	}
	if th.ActiveCount() != 1 {
		t.Fatalf("want sync-2 active after sweep, got %d", th.ActiveCount())
	}
}

func TestUpdateSynchronizationID_PreventsAgeOutEviction(t *testing.T) {
	th := NewWithMaxAge(1, 5*time.Second, 150*time.Millisecond)
	t.Cleanup(th.Close)
	if err := th.ScheduleSynchronize(context.Background(), "A", "sync-1"); err != nil {
		t.Fatal(err)
	}

	refresh := time.NewTicker(10 * time.Millisecond)
	defer refresh.Stop()
	stop := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-refresh.C:
			th.UpdateSynchronizationID("sync-1")
		case <-stop:
			break loop
		}
	}

	if th.ActiveCount() != 1 {
		t.Fatalf("want sync-1 still active after repeated liveness refresh, got %d", th.ActiveCount())
	}
}
