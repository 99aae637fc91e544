package capacity

import "github.com/prometheus/client_golang/prometheus"

var capacityChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hearth",
	Subsystem: "capacity",
	Name:      "join_attempts_total",
	Help:      "Membership join attempts by outcome (admitted, full, lost_race).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(capacityChecks)
}
