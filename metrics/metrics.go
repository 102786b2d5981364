// Package metrics prometheus指标(rpc调用, 工作流状态迁移, 巡检)
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 进程内指标注册表
var Registry = prometheus.NewRegistry()

var (
	rpcCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vair",
			Subsystem: "rpc",
			Name:      "client_requests_total",
			Help:      "Total number of rpc calls/casts sent by kind and result",
		},
		[]string{"queue", "method", "kind", "result"},
	)

	rpcCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vair",
			Subsystem: "rpc",
			Name:      "client_latency_seconds",
			Help:      "Latency of rpc calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"queue", "method"},
	)

	rpcHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vair",
			Subsystem: "rpc",
			Name:      "server_handled_total",
			Help:      "Total number of rpc messages handled by result",
		},
		[]string{"queue", "method", "result"},
	)

	rpcHandleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vair",
			Subsystem: "rpc",
			Name:      "server_handle_seconds",
			Help:      "Duration of rpc handlers in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"queue", "method"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vair",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of resource status transitions",
		},
		[]string{"resource", "from", "to"},
	)

	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vair",
			Subsystem: "lifecycle",
			Name:      "sweeps_total",
			Help:      "Total number of reconciliation sweeps by result",
		},
		[]string{"resource", "result"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vair",
			Subsystem: "lifecycle",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"resource"},
	)

	sweepRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vair",
			Subsystem: "lifecycle",
			Name:      "sweep_records_total",
			Help:      "Records visited by reconciliation sweeps by outcome",
		},
		[]string{"resource", "outcome"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vair",
			Subsystem: "timer",
			Name:      "task_runs_total",
			Help:      "Total number of periodic task runs by result",
		},
		[]string{"task", "result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		rpcCallsTotal,
		rpcCallLatency,
		rpcHandledTotal,
		rpcHandleLatency,
		transitionsTotal,
		sweepsTotal,
		sweepDuration,
		sweepRecords,
		tasksTotal,
	)
}

// Handler /metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCall 客户端call
func RecordCall(queue, method string, elapsed time.Duration, err error) {
	rpcCallsTotal.WithLabelValues(queue, method, "call", result(err)).Inc()
	rpcCallLatency.WithLabelValues(queue, method).Observe(elapsed.Seconds())
}

// RecordCast 客户端cast
func RecordCast(queue, method string, err error) {
	rpcCallsTotal.WithLabelValues(queue, method, "cast", result(err)).Inc()
}

// RecordHandled 服务端处理一条消息
func RecordHandled(queue, method string, elapsed time.Duration, err error) {
	rpcHandledTotal.WithLabelValues(queue, method, result(err)).Inc()
	rpcHandleLatency.WithLabelValues(queue, method).Observe(elapsed.Seconds())
}

// RecordTransition 状态迁移
func RecordTransition(resource, from, to string) {
	transitionsTotal.WithLabelValues(resource, from, to).Inc()
}

// RecordSweep 一次巡检
func RecordSweep(resource string, elapsed time.Duration, err error) {
	sweepsTotal.WithLabelValues(resource, result(err)).Inc()
	sweepDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// RecordSweepRecord 巡检中的单条记录(refreshed, failed, skipped)
func RecordSweepRecord(resource, outcome string) {
	sweepRecords.WithLabelValues(resource, outcome).Inc()
}

// RecordTask 定时任务执行一次
func RecordTask(task string, err error) {
	tasksTotal.WithLabelValues(task, result(err)).Inc()
}
