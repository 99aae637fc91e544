package billing

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hearthly/hearth/internal/processor"
)

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "billing",
		Name:      "transitions_total",
		Help:      "Billing state machine calls by operation and result.",
	}, []string{"op", "result"})

	localWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "billing",
		Name:      "local_write_failures_total",
		Help:      "Local entitlement writes that failed after the processor accepted the change.",
	}, []string{"op"})

	rolloverActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "billing",
		Name:      "rollover_actions_total",
		Help:      "Rollover job actions (swapped, applied, healed, skipped, failed).",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(transitions, localWriteFailures, rolloverActions)
}

func observeTransition(op string, err error) {
	transitions.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsClientError(err):
		return "rejected"
	case errors.Is(err, processor.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, processor.ErrPaymentFailed):
		return "payment_failed"
	default:
		return "error"
	}
}

func (r *RolloverReport) record() {
	rolloverActions.WithLabelValues("swapped").Add(float64(r.Swapped))
	rolloverActions.WithLabelValues("applied").Add(float64(r.Applied))
	rolloverActions.WithLabelValues("healed").Add(float64(r.Healed))
	rolloverActions.WithLabelValues("skipped").Add(float64(r.Skipped))
	rolloverActions.WithLabelValues("failed").Add(float64(r.Failed))
}
