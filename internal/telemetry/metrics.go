package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_batches_consumed_total",
		Help: "Batches decoded and handed to the write path.",
	})
	PointsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_points_persisted_total",
		Help: "Points written to the durable sink.",
	})
	DeliveriesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_deliveries_acked_total",
		Help: "Deliveries acknowledged after successful processing.",
	})
	DeliveriesRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_deliveries_requeued_total",
		Help: "Deliveries negatively acknowledged with requeue.",
	})
	DeliveriesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_deliveries_rejected_total",
		Help: "Poison deliveries rejected without requeue.",
	})
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_deliveries_in_flight",
		Help: "Deliveries admitted and not yet settled.",
	})
	bulkWriteSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_bulk_write_seconds",
		Help:    "Durable bulk write latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveBulkWrite records one durable write: how many records went in and
// how long the call took.
func ObserveBulkWrite(records int64, elapsed time.Duration) {
	PointsPersisted.Add(float64(records))
	bulkWriteSeconds.Observe(elapsed.Seconds())
}

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
