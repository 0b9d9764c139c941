package pipeline

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"pulse/internal/logging"
	"pulse/internal/model"
	"pulse/internal/store"
	"pulse/internal/telemetry"
)

// SessionCache is the best-effort secondary write path. Append cannot fail
// from the processor's point of view; the cache swallows its own faults.
type SessionCache interface {
	Append(ctx context.Context, sessionKey string, points [][]byte)
}

// Processor maps a validated batch to persistence records and writes both
// sinks: cache first (best-effort), then the durable store (required).
type Processor struct {
	sink  store.Sink
	cache SessionCache
}

func NewProcessor(sink store.Sink, cache SessionCache) *Processor {
	return &Processor{sink: sink, cache: cache}
}

// Process writes one batch. Cache faults never surface; a durable write
// fault propagates so the delivery is requeued.
func (p *Processor) Process(ctx context.Context, b model.Batch) error {
	telemetry.BatchesConsumed.Inc()
	p.appendToCache(ctx, b)

	records := mapRecords(b)
	start := time.Now()
	n, err := p.sink.BulkInsert(ctx, records)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	telemetry.ObserveBulkWrite(n, elapsed)
	logging.L().Debug("batch persisted",
		"session", b.SessionKey, "points", n, "elapsed", elapsed)
	return nil
}

func (p *Processor) appendToCache(ctx context.Context, b model.Batch) {
	if p.cache == nil || b.SessionKey == "" {
		return
	}
	vals := make([][]byte, 0, len(b.Points))
	for i := range b.Points {
		raw, err := sonic.Marshal(&b.Points[i])
		if err != nil {
			logging.L().Warn("point serialization for cache failed",
				"session", b.SessionKey, "err", err)
			return
		}
		vals = append(vals, raw)
	}
	p.cache.Append(ctx, b.SessionKey, vals)
}

func mapRecords(b model.Batch) []model.Record {
	now := time.Now().UTC()
	records := make([]model.Record, len(b.Points))
	for i, pt := range b.Points {
		records[i] = model.Record{
			ID:         uuid.New(),
			SessionKey: b.SessionKey,
			OwnerKey:   b.OwnerKey,
			Point:      pt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return records
}
