// Package metrics 集中定义服务暴露的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dropvault"

var (
	// HTTPRequestsTotal 记录 HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration 记录 HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize 记录请求大小
	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize 记录响应大小
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// HTTPActiveRequests 当前活跃请求数
	HTTPActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_active_requests",
		Help:      "Number of active HTTP requests",
	})

	// UploadSessionsTotal 按结果统计会话生命周期事件
	UploadSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_sessions_total",
			Help:      "Upload session lifecycle events by outcome",
		},
		[]string{"event"},
	)

	// ChunkBytesTotal 已接受的分片字节数
	ChunkBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_bytes_total",
		Help:      "Bytes accepted into the chunk store",
	})

	// IntegrityFailuresTotal 按范围（chunk / file）统计哈希不一致
	IntegrityFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Hash mismatches by scope",
		},
		[]string{"scope"},
	)

	// DedupHitsTotal 按阶段（init / complete）统计去重命中
	DedupHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Uploads satisfied by an existing file",
		},
		[]string{"stage"},
	)

	// MergeDuration 合并与写入永久存储的耗时
	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "merge_duration_seconds",
		Help:      "Time spent merging chunks and promoting the blob",
		Buckets:   prometheus.DefBuckets,
	})

	// JobsTotal 按队列、任务名与结果统计任务处理
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Processed jobs by outcome",
		},
		[]string{"queue", "job", "outcome"},
	)

	// JobDuration 任务处理耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue", "job"},
	)

	// ScanResultsTotal 按结论统计扫描
	ScanResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_results_total",
			Help:      "Malware scan verdicts",
		},
		[]string{"scanner", "verdict"},
	)

	// SweepReclaimedTotal 清理任务回收的对象数量
	SweepReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reclaimed_total",
			Help:      "Objects reclaimed by cleanup sweeps",
		},
		[]string{"sweep"},
	)
)
