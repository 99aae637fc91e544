package reconcile

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hearthly/hearth/internal/processor"
)

var (
	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "reconcile",
		Name:      "webhook_events_total",
		Help:      "Webhook events by type and result.",
	}, []string{"type", "result"})

	tierRaises = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "reconcile",
		Name:      "tier_raises_total",
		Help:      "Entitlement tiers raised by reconciliation, by source (webhook, sweep).",
	}, []string{"source"})

	addOnCorrections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "reconcile",
		Name:      "addon_corrections_total",
		Help:      "Circles whose extra member slots were corrected.",
	})

	sweepUsers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "reconcile",
		Name:      "sweep_users_total",
		Help:      "Users visited by full sweeps, by result.",
	}, []string{"result"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hearth",
		Subsystem: "reconcile",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of full sync sweeps.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)

func init() {
	prometheus.MustRegister(webhookEvents, tierRaises, addOnCorrections, sweepUsers, sweepDuration)
}

func observeWebhook(eventType string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	webhookEvents.WithLabelValues(eventType, result).Inc()
}
