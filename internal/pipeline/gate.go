package pipeline

import (
	"context"
	"sync"
)

// Gate is the counting admission primitive bounding how many deliveries are
// in active processing at once. Slots are returned explicitly by Release;
// the in-flight count can never exceed size.
type Gate struct {
	size int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

func NewGate(size int64) *Gate {
	if size < 1 {
		size = 1
	}
	g := &Gate{size: size, tokens: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is free, the context ends, or the gate is
// closed.
func (g *Gate) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		// under mu so the wakeup cannot land between a waiter's
		// predicate check and its Wait
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.tokens == 0 && !g.closed && ctx.Err() == nil {
		g.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.closed {
		return context.Canceled
	}
	g.tokens--
	return nil
}

func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.tokens == 0 {
		return false
	}
	g.tokens--
	return true
}

func (g *Gate) Release() {
	g.mu.Lock()
	g.tokens++
	if g.tokens > g.size {
		g.tokens = g.size
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// InFlight reports how many acquired slots have not been released.
func (g *Gate) InFlight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size - g.tokens
}

func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}
