package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processesRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livetest_agent_processes_running",
		Help: "Number of tool processes currently running, by tool.",
	}, []string{"tool"})

	testsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetest_agent_tests_total",
		Help: "Number of tests completed, by tool and result.",
	}, []string{"tool", "result"})

	viewersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livetest_agent_viewers",
		Help: "Number of connected output viewers.",
	})

	archiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livetest_agent_archive_errors_total",
		Help: "Number of finished tests that could not be archived.",
	})
)
