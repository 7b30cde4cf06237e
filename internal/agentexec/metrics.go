// Package agentexec Prometheus 指标
package agentexec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 包级注册：服务实例可能在进程内重建（测试、重载），
// 指标只注册一次。
var (
	runsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpilot",
		Name:      "agent_runs_started_total",
		Help:      "Total agent runs started",
	})

	runsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpilot",
		Name:      "agent_runs_finished_total",
		Help:      "Total agent runs finished by terminal status",
	}, []string{"status"})

	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpilot",
		Name:      "agent_runs_active",
		Help:      "Agent runs currently executing in this process",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskpilot",
		Name:      "agent_run_duration_seconds",
		Help:      "Agent run wall time in seconds",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	})

	supervisorTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpilot",
		Name:      "supervisor_timeouts_total",
		Help:      "Runs marked timed_out by the supervisor",
	})

	recoveredRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpilot",
		Name:      "recovered_runs_total",
		Help:      "Orphaned runs closed during startup recovery",
	})
)
