package notify

import "github.com/prometheus/client_golang/prometheus"

var notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hearth",
	Subsystem: "notify",
	Name:      "notifications_total",
	Help:      "Notifications by kind and outcome (created, duplicate).",
}, []string{"kind", "result"})

func init() {
	prometheus.MustRegister(notificationsTotal)
}
