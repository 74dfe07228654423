package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobDuration, JobTotal, JobFailTotal,
		ClaimTotal, ClaimLatencySeconds,
		WorkerBusy, JobsRecoveredTotal,
		CallbackAttemptsTotal, CallbackFailTotal,
		RateLimitDeniedTotal, ProgressEmitTotal,
		CostRecordedUSD, HITLPausedTotal,
	)
}

// JobDuration Job 执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ghosthands_job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job_type"},
)

// JobTotal Job 总数（按终态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ghosthands_job_total",
		Help: "Job 总数（按终态）",
	},
	[]string{"status"}, // completed | failed | cancelled | expired
)

// JobFailTotal Job 失败总数（按 error_code）
var JobFailTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ghosthands_job_fail_total",
		Help: "Job 失败总数（按 error_code）",
	},
	[]string{"error_code"},
)

// ClaimTotal Claim 尝试总数（claimed 标记是否取到 Job）
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ghosthands_claim_total",
		Help: "Claim 尝试总数",
	},
	[]string{"claimed"}, // true | false
)

// ClaimLatencySeconds 单次 Claim 耗时（秒）
var ClaimLatencySeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ghosthands_claim_latency_seconds",
		Help:    "单次 Claim 耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// WorkerBusy 当前正在执行的 Job 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ghosthands_worker_busy",
		Help: "当前正在执行的 Job 数",
	},
	[]string{"worker_id"},
)

// JobsRecoveredTotal 心跳过期被回收重排的 Job 数
var JobsRecoveredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ghosthands_jobs_recovered_total",
		Help: "心跳过期被回收重排的 Job 数",
	},
)

// CallbackAttemptsTotal 回调尝试总数（按 status）
var CallbackAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ghosthands_callback_attempts_total",
		Help: "回调尝试总数",
	},
	[]string{"status"},
)

// CallbackFailTotal 重试耗尽后仍失败的回调数
var CallbackFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ghosthands_callback_fail_total",
		Help: "重试耗尽后仍失败的回调数",
	},
)

// RateLimitDeniedTotal 限流拒绝数（按 scope: user | platform）
var RateLimitDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ghosthands_ratelimit_denied_total",
		Help: "限流拒绝数",
	},
	[]string{"scope"},
)

// ProgressEmitTotal progress_update 事件发出数
var ProgressEmitTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ghosthands_progress_emit_total",
		Help: "progress_update 事件发出数",
	},
)

// CostRecordedUSD 记入用户用量的成本（美元累计）
var CostRecordedUSD = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ghosthands_cost_recorded_usd_total",
		Help: "记入用户用量的成本（美元累计）",
	},
)

// HITLPausedTotal 进入 needs_human 暂停的 Job 数（按 interaction type）
var HITLPausedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ghosthands_hitl_paused_total",
		Help: "进入 needs_human 暂停的 Job 数",
	},
	[]string{"type"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
