package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulse/internal/model"
	"pulse/internal/store"
)

type fakeDelivery struct {
	body        []byte
	redelivered bool

	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
}

func (d *fakeDelivery) Body() []byte      { return d.body }
func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked++
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) settled() (acked, nacked int, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeue
}

// blockingHandler holds every Process call until the test releases it, and
// tracks the peak number of concurrent calls.
type blockingHandler struct {
	release chan struct{}
	active  int32
	peak    int32
	calls   int32
	fail    error
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{release: make(chan struct{})}
}

func (h *blockingHandler) Process(ctx context.Context, _ model.Batch) error {
	atomic.AddInt32(&h.calls, 1)
	n := atomic.AddInt32(&h.active, 1)
	for {
		p := atomic.LoadInt32(&h.peak)
		if n <= p || atomic.CompareAndSwapInt32(&h.peak, p, n) {
			break
		}
	}
	defer atomic.AddInt32(&h.active, -1)
	select {
	case <-h.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.fail
}

type instantHandler struct {
	calls int32
	fail  error
}

func (h *instantHandler) Process(context.Context, model.Batch) error {
	atomic.AddInt32(&h.calls, 1)
	return h.fail
}

const validBody = `{"sessionId":"s1","dataPoints":[{"timestamp":1000,"accelX":0.5}]}`

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConsumer_AcksOnSuccess(t *testing.T) {
	h := &instantHandler{}
	c := NewConsumer(h, 2)
	c.Start(context.Background())

	d := &fakeDelivery{body: []byte(validBody)}
	if err := c.Deliver(d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	c.Close()

	acked, nacked, _ := d.settled()
	if acked != 1 || nacked != 0 {
		t.Fatalf("expected single ack, got acked=%d nacked=%d", acked, nacked)
	}
	if atomic.LoadInt32(&h.calls) != 1 {
		t.Fatalf("handler called %d times", h.calls)
	}
	if c.Gate().InFlight() != 0 {
		t.Fatalf("gate slot leaked: %d in flight", c.Gate().InFlight())
	}
}

func TestConsumer_RejectsPoisonWithoutRequeue(t *testing.T) {
	h := &instantHandler{}
	c := NewConsumer(h, 2)
	c.Start(context.Background())

	// empty dataPoints is a poison payload: retry cannot succeed
	d := &fakeDelivery{body: []byte(`{"dataPoints": []}`)}
	if err := c.Deliver(d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	c.Close()

	acked, nacked, requeue := d.settled()
	if acked != 0 || nacked != 1 || requeue {
		t.Fatalf("expected reject without requeue, got acked=%d nacked=%d requeue=%v",
			acked, nacked, requeue)
	}
	if atomic.LoadInt32(&h.calls) != 0 {
		t.Fatal("poison payload reached the write path")
	}
	if c.Gate().InFlight() != 0 {
		t.Fatalf("gate slot leaked: %d in flight", c.Gate().InFlight())
	}
}

func TestConsumer_RejectsMissingDataPointsWithoutRequeue(t *testing.T) {
	h := &instantHandler{}
	c := NewConsumer(h, 1)
	c.Start(context.Background())

	d := &fakeDelivery{body: []byte(`{"sessionId":"s1"}`)}
	if err := c.Deliver(d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	c.Close()

	_, nacked, requeue := d.settled()
	if nacked != 1 || requeue {
		t.Fatalf("expected reject without requeue, got nacked=%d requeue=%v", nacked, requeue)
	}
}

func TestConsumer_RequeuesOnPersistenceError(t *testing.T) {
	h := &instantHandler{fail: &store.PersistenceError{Op: "bulk insert", Err: errors.New("down")}}
	c := NewConsumer(h, 2)
	c.Start(context.Background())

	d := &fakeDelivery{body: []byte(validBody)}
	if err := c.Deliver(d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	c.Close()

	acked, nacked, requeue := d.settled()
	if acked != 0 || nacked != 1 || !requeue {
		t.Fatalf("expected requeue, got acked=%d nacked=%d requeue=%v", acked, nacked, requeue)
	}
	if c.Gate().InFlight() != 0 {
		t.Fatalf("gate slot leaked: %d in flight", c.Gate().InFlight())
	}
}

func TestConsumer_RequeuesOnCancellationMidFlight(t *testing.T) {
	h := newBlockingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(h, 1)
	c.Start(ctx)

	d := &fakeDelivery{body: []byte(validBody)}
	if err := c.Deliver(d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&h.active) == 1 }, "handler never started")

	cancel()
	c.Close()

	acked, nacked, requeue := d.settled()
	if acked != 0 || nacked != 1 || !requeue {
		t.Fatalf("expected requeue on cancellation, got acked=%d nacked=%d requeue=%v",
			acked, nacked, requeue)
	}
}

// Scenario: maxConcurrency=2, three deliveries arrive simultaneously while
// processing blocks. Exactly two are in flight; the third starts only after
// one of the first two completes.
func TestConsumer_ConcurrencyCap(t *testing.T) {
	h := newBlockingHandler()
	c := NewConsumer(h, 2)
	c.Start(context.Background())

	deliveries := []*fakeDelivery{
		{body: []byte(validBody)},
		{body: []byte(validBody)},
		{body: []byte(validBody)},
	}
	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d *fakeDelivery) {
			defer wg.Done()
			_ = c.Deliver(d)
		}(d)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&h.active) == 2 }, "two deliveries never in flight")
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&h.active); n != 2 {
		t.Fatalf("expected exactly 2 in flight, got %d", n)
	}
	if n := atomic.LoadInt32(&h.calls); n != 2 {
		t.Fatalf("third delivery started early: %d calls", n)
	}

	// let one finish; the third must now be admitted
	h.release <- struct{}{}
	waitFor(t, func() bool { return atomic.LoadInt32(&h.calls) == 3 }, "third delivery never admitted")

	close(h.release)
	wg.Wait()
	c.Close()

	if p := atomic.LoadInt32(&h.peak); p > 2 {
		t.Fatalf("concurrency bound exceeded: peak %d", p)
	}
	for i, d := range deliveries {
		acked, nacked, _ := d.settled()
		if acked+nacked != 1 {
			t.Fatalf("delivery %d settled %d times", i, acked+nacked)
		}
	}
	if c.Gate().InFlight() != 0 {
		t.Fatalf("gate slot leaked: %d in flight", c.Gate().InFlight())
	}
}

func TestConsumer_EverySlotReleasedAcrossOutcomes(t *testing.T) {
	h := &instantHandler{}
	c := NewConsumer(h, 4)
	c.Start(context.Background())

	bodies := [][]byte{
		[]byte(validBody),
		[]byte(`{"dataPoints": []}`),
		[]byte(`{broken`),
		[]byte(validBody),
	}
	var all []*fakeDelivery
	for _, b := range bodies {
		d := &fakeDelivery{body: b}
		all = append(all, d)
		if err := c.Deliver(d); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	c.Close()

	for i, d := range all {
		acked, nacked, _ := d.settled()
		if acked+nacked != 1 {
			t.Fatalf("delivery %d settled %d times", i, acked+nacked)
		}
	}
	if c.Gate().InFlight() != 0 {
		t.Fatalf("gate slots leaked: %d in flight", c.Gate().InFlight())
	}
}
