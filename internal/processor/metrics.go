package processor

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Payment processor calls by operation and result.",
	}, []string{"op", "result"})

	processorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hearth",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Payment processor call latency, including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(processorCalls, processorLatency)
}

func observeCall(op string, err error, start time.Time) {
	processorLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	processorCalls.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"
	default:
		return "rejected"
	}
}
