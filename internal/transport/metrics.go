package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livetest_transport_open_sessions",
		Help: "Number of transport sessions currently open, by role.",
	}, []string{"role"})

	sessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetest_transport_errors_total",
		Help: "Number of errors reported by transport sessions, by role.",
	}, []string{"role"})
)
