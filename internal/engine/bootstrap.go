package engine

import (
	"context"
	"fmt"

	"pulse/internal/broker"
	"pulse/internal/cache"
	"pulse/internal/config"
	"pulse/internal/pipeline"
	"pulse/internal/store"
	"pulse/internal/telemetry"
)

func Bootstrap(ctx context.Context, cfg config.Config) (*Engine, error) {
	// 1. durable sink (fail fast when unreachable)
	sink, err := store.NewPostgres(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// 2. session cache (fails open when unconfigured)
	sessions := cache.New(cfg.Cache)

	// 3. pipeline
	proc := pipeline.NewProcessor(sink, sessions)
	consumer := pipeline.NewConsumer(proc, cfg.Pipeline.MaxConcurrency)

	// 4. broker source
	source := &broker.Source{}
	if err := source.Configure(cfg.Broker); err != nil {
		return nil, err
	}

	// 5. metrics
	telemetry.Expose(cfg.Metrics.Port)

	return &Engine{
		source:   source,
		consumer: consumer,
		sink:     sink,
		sessions: sessions,
	}, nil
}
