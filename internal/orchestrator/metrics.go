package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	testsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetest_tests_started_total",
		Help: "Number of test sessions started, by tool.",
	}, []string{"tool"})

	testsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetest_tests_finished_total",
		Help: "Number of test sessions finished, by tool and final state.",
	}, []string{"tool", "state"})

	readinessTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livetest_iperf_readiness_timeouts_total",
		Help: "Number of iperf clients started without a server readiness marker.",
	})

	stopRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetest_stop_requests_total",
		Help: "Number of stop requests, by result.",
	}, []string{"result"})
)
