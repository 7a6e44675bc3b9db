package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 变更批次处理计数
	ChangeBatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_batch_count",
			Help: "Total number of change batches handled",
		},
		[]string{"stream", "status"}, // status: success, failed, skipped, dlq
	)

	ChangeBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "change_batch_duration_seconds",
			Help:    "Change batch handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"stream"},
	)

	ChangeItemCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_item_count",
			Help: "Total number of mutations applied",
		},
		[]string{"stream", "status"},
	)

	// 视图写入计数
	ViewWriteCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "view_write_count",
			Help: "Total number of view writes",
		},
		[]string{"view_type", "outcome"}, // outcome: written, deleted, failed
	)

	DashboardRequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_refresh_request_count",
			Help: "Dashboard refresh requests by coalescing mode",
		},
		[]string{"mode"}, // mode: started, queued, joined
	)

	DashboardRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_refresh_duration_seconds",
			Help:    "Dashboard recomputation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	RebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "view_rebuild_duration_seconds",
			Help:    "Full view rebuild duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"trigger", "status"},
	)

	// 失败视图重试计数
	RetryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "view_failure_retry_count",
			Help: "Total number of failed view retries",
		},
		[]string{"status"}, // status: success, failed, dead
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func IncrementSlowQuery(operation string) {
	SlowQueryCount.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordChangeBatch 记录一个变更批次的处理结果
func RecordChangeBatch(stream, status string, duration time.Duration) {
	ChangeBatchCount.WithLabelValues(stream, status).Inc()
	ChangeBatchDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

func IncrementChangeItem(stream, status string) {
	ChangeItemCount.WithLabelValues(stream, status).Inc()
}

// IncrementViewWrite 增加视图写入计数
func IncrementViewWrite(viewType, outcome string) {
	ViewWriteCount.WithLabelValues(viewType, outcome).Inc()
}

func IncrementDashboardRequest(mode string) {
	DashboardRequestCount.WithLabelValues(mode).Inc()
}

func RecordDashboardRefresh(status string, duration time.Duration) {
	DashboardRefreshDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRebuild 记录全量重建耗时
func RecordRebuild(trigger, status string, duration time.Duration) {
	RebuildDuration.WithLabelValues(trigger, status).Observe(duration.Seconds())
}

func IncrementRetry(status string) {
	RetryCount.WithLabelValues(status).Inc()
}
