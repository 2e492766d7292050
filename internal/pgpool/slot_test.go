package pgpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestSlotPool(t *testing.T, maxSize int) (*SlotPool, *fakeDialer) {
	t.Helper()
	addr := testAddress(0, 0, RolePrimary)
	dialer := newFakeDialer()
	sp := NewSlotPool(addr, User{Username: "app"}, "db_0", dialer, NopReporter{}, maxSize, time.Second, time.Minute)
	return sp, dialer
}

func TestSlotPoolCheckoutCreatesUpToMaxSize(t *testing.T) {
	sp, dialer := newTestSlotPool(t, 2)

	l1, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	l2, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}

	if dialer.dials != 2 {
		t.Errorf("expected 2 dials, got %d", dialer.dials)
	}

	state := sp.State()
	if state.Connections != 2 || state.IdleConnections != 0 {
		t.Errorf("expected 2 active/0 idle, got %+v", state)
	}

	l1.Release()
	l2.Release()
}

func TestSlotPoolReusesReleasedSession(t *testing.T) {
	sp, dialer := newTestSlotPool(t, 1)

	l1, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	l1.Release()

	l2, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	l2.Release()

	if dialer.dials != 1 {
		t.Errorf("expected session reuse (1 dial), got %d", dialer.dials)
	}
}

func TestSlotPoolCheckoutTimesOutWhenExhausted(t *testing.T) {
	sp, _ := newTestSlotPool(t, 1)

	l1, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer l1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = sp.Checkout(ctx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("checkout blocked too long: %v", time.Since(start))
	}
}

func TestSlotPoolWaiterWakesOnRelease(t *testing.T) {
	sp, _ := newTestSlotPool(t, 1)

	l1, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var secondErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l2, err := sp.Checkout(ctx)
		secondErr = err
		if l2 != nil {
			l2.Release()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	l1.Release()
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("expected waiter to succeed after release, got %v", secondErr)
	}
}

func TestSlotPoolDiscardsBadSessionOnRelease(t *testing.T) {
	sp, dialer := newTestSlotPool(t, 1)

	l1, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	l1.Session().MarkBad()
	l1.Release()

	l2, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	l2.Release()

	if dialer.dials != 2 {
		t.Errorf("expected bad session to be discarded and a fresh dial, got %d dials", dialer.dials)
	}
}

func TestSlotPoolCloseRejectsFurtherCheckouts(t *testing.T) {
	sp, _ := newTestSlotPool(t, 1)
	sp.Close()

	_, err := sp.Checkout(context.Background())
	if err != ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSlotPoolReapIdleEvictsStaleSessions(t *testing.T) {
	addr := testAddress(0, 0, RolePrimary)
	dialer := newFakeDialer()
	sp := NewSlotPool(addr, User{Username: "app"}, "db_0", dialer, NopReporter{}, 1, time.Second, 10*time.Millisecond)
	defer sp.Close()

	l1, err := sp.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	l1.Release()

	time.Sleep(30 * time.Millisecond)
	sp.reapIdle()

	state := sp.State()
	if state.Connections != 0 {
		t.Errorf("expected idle session to be reaped, got %+v", state)
	}
}
