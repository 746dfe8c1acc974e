package storage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "query_seconds",
		Help:      "Latency of engagement store reads and writes.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	queryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "query_errors_total",
		Help:      "Engagement store calls that returned an error.",
	}, []string{"op"})

	tracer = otel.Tracer("github.com/example/workout-engagement/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, queryErrors)
}

// begin opens a span for op and returns a completion func that records the
// latency and any error.
func begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "storage."+op)
	return ctx, func(err error) {
		queryLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			queryErrors.WithLabelValues(op).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
