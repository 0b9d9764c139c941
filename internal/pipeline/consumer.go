// Package pipeline is the admission-controlled consumption core: a bounded
// worker pool behind a counting gate, a decode/write path per delivery, and
// a single-writer acknowledgment loop that maps failure classes to broker
// outcomes.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"pulse/internal/codec"
	"pulse/internal/logging"
	"pulse/internal/model"
	"pulse/internal/telemetry"
)

// Delivery is one unit received from the broker. It is settled exactly
// once, by Ack or Nack.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// BatchHandler is the write path applied to each decoded batch.
type BatchHandler interface {
	Process(ctx context.Context, b model.Batch) error
}

type outcome struct {
	d   Delivery
	err error
}

// Consumer pulls deliveries, bounds concurrent processing, and drives
// ack/nack. The worker pool is fixed at maxConcurrency, so the bound is
// structural; the gate additionally blocks the receive path when the pool
// is saturated, which together with broker prefetch forms the backpressure
// mechanism.
type Consumer struct {
	handler BatchHandler
	gate    *Gate
	workers int

	tasks    chan Delivery
	outcomes chan outcome

	ctx   context.Context
	wg    sync.WaitGroup
	ackWg sync.WaitGroup
}

func NewConsumer(handler BatchHandler, maxConcurrency int) *Consumer {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Consumer{
		handler:  handler,
		gate:     NewGate(int64(maxConcurrency)),
		workers:  maxConcurrency,
		tasks:    make(chan Delivery),
		outcomes: make(chan outcome, maxConcurrency),
	}
}

// Start launches the workers and the acknowledgment loop. ctx is the
// shutdown signal: in-flight handlers see it cooperatively, and a handler
// cancelled mid-flight settles as a requeue.
func (c *Consumer) Start(ctx context.Context) {
	c.ctx = ctx
	c.ackWg.Add(1)
	go c.ackLoop()
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workLoop()
	}
}

// Gate exposes the admission gate for observation.
func (c *Consumer) Gate() *Gate { return c.gate }

// Deliver admits one delivery, blocking while the gate is full. It is the
// emit target of the broker source's receive loop.
func (c *Consumer) Deliver(d Delivery) error {
	if err := c.gate.Acquire(c.ctx); err != nil {
		return err
	}
	telemetry.InFlight.Inc()
	select {
	case c.tasks <- d:
		return nil
	case <-c.ctx.Done():
		c.release()
		return c.ctx.Err()
	}
}

// Close drains: no new deliveries are accepted, admitted work runs to its
// outcome, and every outcome is settled before the gate is torn down.
func (c *Consumer) Close() {
	close(c.tasks)
	c.wg.Wait()
	close(c.outcomes)
	c.ackWg.Wait()
	c.gate.Close()
}

func (c *Consumer) release() {
	c.gate.Release()
	telemetry.InFlight.Dec()
}

func (c *Consumer) workLoop() {
	defer c.wg.Done()
	for d := range c.tasks {
		err := c.handle(c.ctx, d)
		c.outcomes <- outcome{d: d, err: err}
		c.release()
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) error {
	batch, err := codec.DecodeBatch(d.Body())
	if err != nil {
		return err
	}
	return c.handler.Process(ctx, batch)
}

// ackLoop is the single writer to the broker channel: all ack/nack calls
// funnel through it, satisfying the transport's non-thread-safe channel
// contract.
func (c *Consumer) ackLoop() {
	defer c.ackWg.Done()
	for o := range c.outcomes {
		c.settle(o)
	}
}

func (c *Consumer) settle(o outcome) {
	switch {
	case o.err == nil:
		if err := o.d.Ack(); err != nil {
			logging.L().Warn("ack failed", "err", err)
		}
		telemetry.DeliveriesAcked.Inc()
	case terminal(o.err):
		logging.L().Warn("rejecting poison delivery",
			"redelivered", o.d.Redelivered(), "err", o.err)
		if err := o.d.Nack(false); err != nil {
			logging.L().Warn("reject failed", "err", err)
		}
		telemetry.DeliveriesRejected.Inc()
	default:
		logging.L().Warn("requeueing delivery",
			"redelivered", o.d.Redelivered(), "err", o.err)
		if err := o.d.Nack(true); err != nil {
			logging.L().Warn("requeue failed", "err", err)
		}
		telemetry.DeliveriesRequeued.Inc()
	}
}

// terminal reports whether the failure can never succeed on retry.
func terminal(err error) bool {
	var de *codec.DecodeError
	return errors.As(err, &de)
}
