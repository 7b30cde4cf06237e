package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 引擎指标。
// 包级注册：引擎可能在一个进程里被多次构建（测试尤其如此），
// 实例级 promauto 注册会在第二次构建时 panic。
var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "Transition requests by result",
		},
		[]string{"result"},
	)

	guardFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Subsystem: "pipeline",
			Name:      "guard_failures_total",
			Help:      "Guard rejections by guard name",
		},
		[]string{"guard"},
	)

	hookFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Subsystem: "pipeline",
			Name:      "hook_failures_total",
			Help:      "Hook failures by hook name and policy",
		},
		[]string{"hook", "policy"},
	)
)

// 转换结果标签值
const (
	resultCommitted        = "committed"
	resultRejected         = "rejected"
	resultConflict         = "conflict"
	resultNoTransition     = "no_transition"
	resultPipelineNotFound = "pipeline_not_found"
)
