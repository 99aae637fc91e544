package rescue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	offersOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "rescue",
		Name:      "offers_opened_total",
		Help:      "Rescue offers opened.",
	})

	offersClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "rescue",
		Name:      "offers_closed_total",
		Help:      "Rescue offers leaving the open state, by final status.",
	}, []string{"status"})

	claimAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "rescue",
		Name:      "claim_attempts_total",
		Help:      "Rescue claim attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(offersOpened, offersClosed, claimAttempts)
}

func observeClaim(err error) {
	switch {
	case err == nil:
		claimAttempts.WithLabelValues("claimed").Inc()
		offersClosed.WithLabelValues(string(StatusClaimed)).Inc()
	case errors.Is(err, ErrOfferUnavailable):
		claimAttempts.WithLabelValues("unavailable").Inc()
	case errors.Is(err, ErrNotEligible):
		claimAttempts.WithLabelValues("not_eligible").Inc()
	default:
		claimAttempts.WithLabelValues("error").Inc()
	}
}
