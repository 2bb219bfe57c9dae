// Package metrics 暴露融合管线的Prometheus监控指标
//
// 指标分类:
//   - Counter: 累计值（准入、丢弃、overlay发送、重连）
//   - Gauge:   瞬时值（活跃会话数、各worker负载）
//   - Histogram: 分布统计（overlay下发延迟）
//
// 通过HTTP服务的 /metrics 端点暴露，Prometheus文本格式
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive 当前活跃（未关闭）会话数
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fusion",
		Name:      "sessions_active",
		Help:      "Number of sessions not yet closed.",
	})

	// AdmissionsTotal 准入成功总数
	AdmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fusion",
		Name:      "admissions_total",
		Help:      "Total sessions admitted.",
	})

	// AdmissionRejectedTotal 准入拒绝总数，按原因区分
	AdmissionRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusion",
		Name:      "admission_rejected_total",
		Help:      "Total admission rejections by reason.",
	}, []string{"reason"})

	// ResultsIngestedTotal 收到的分类结果总数，按模态区分
	ResultsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusion",
		Name:      "results_ingested_total",
		Help:      "Classification results accepted by the fusion engine.",
	}, []string{"modality"})

	// ResultsDroppedTotal 丢弃的分类结果总数，按原因区分
	ResultsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusion",
		Name:      "results_dropped_total",
		Help:      "Classification results dropped by reason.",
	}, []string{"reason"})

	// OverlaysEmittedTotal 成功下发的overlay总数
	OverlaysEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fusion",
		Name:      "overlays_emitted_total",
		Help:      "Overlay payloads delivered to clients.",
	})

	// ReconnectAttemptsTotal 触发的重连尝试总数
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fusion",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnection attempts requested from clients.",
	})

	// WorkerLoad 各worker当前承载的会话数
	WorkerLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fusion",
		Name:      "worker_load",
		Help:      "Sessions currently hosted per worker.",
	}, []string{"worker"})

	// DispatchLatency overlay下发耗时分布
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fusion",
		Name:      "dispatch_latency_seconds",
		Help:      "Latency of overlay delivery to the transport.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
)
