package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestGate_NeverExceedsSize(t *testing.T) {
	g := NewGate(2)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if g.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", g.InFlight())
	}
	if g.TryAcquire() {
		t.Fatal("TryAcquire succeeded past capacity")
	}

	g.Release()
	if g.InFlight() != 1 {
		t.Fatalf("expected 1 in flight after release, got %d", g.InFlight())
	}
	if !g.TryAcquire() {
		t.Fatal("TryAcquire failed with a free slot")
	}
}

func TestGate_AcquireBlocksUntilRelease(t *testing.T) {
	g := NewGate(1)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire did not block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not proceed after release")
	}
}

func TestGate_AcquireRespectsContext(t *testing.T) {
	g := NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Acquire(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestGate_CancellationWakesWaiterPromptly(t *testing.T) {
	g := NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// hammer the window between the waiter's predicate check and its
	// Wait; no Release ever happens, so only the cancellation wakeup can
	// unblock the waiter
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- g.Acquire(ctx) }()
		if i%2 == 0 {
			time.Sleep(time.Microsecond)
		}
		cancel()

		select {
		case err := <-done:
			if err == nil {
				t.Fatal("expected context error")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: cancelled acquire never woke up", i)
		}
	}
}

func TestGate_CloseUnblocksWaiters(t *testing.T) {
	g := NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	g.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from closed gate")
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe close")
	}
}
