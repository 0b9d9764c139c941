package engine

import (
	"context"
	"errors"

	"pulse/internal/broker"
	"pulse/internal/cache"
	"pulse/internal/pipeline"
	"pulse/internal/store"
)

type Engine struct {
	source   *broker.Source
	consumer *pipeline.Consumer
	sink     store.Sink
	sessions *cache.Session
}

// Run consumes until ctx is cancelled, then drains admitted work before
// tearing down the broker link and both sinks.
func (e *Engine) Run(ctx context.Context) error {
	e.consumer.Start(ctx)

	err := e.source.Run(ctx, e.consumer.Deliver)

	e.consumer.Close()
	_ = e.source.Close()
	e.sink.Close()
	_ = e.sessions.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
