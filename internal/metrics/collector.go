package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record* 方法对 nil 接收者是空操作，
// 组件可以在未配置指标时直接传 nil。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务指标
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge
	retriesTotal  *prometheus.CounterVec
	backoffDelay  *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
	clampedTotal  *prometheus.CounterVec
	malformedSeen *prometheus.CounterVec

	// 冷却熔断
	cooldownTransitions *prometheus.CounterVec

	// 计费
	chargesTotal   *prometheus.CounterVec
	creditsCharged *prometheus.CounterVec

	// 配置缓存
	configLookups *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_tasks_total",
			Help:      "Engine tasks by terminal state",
		},
		[]string{"provider", "model", "state"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_task_duration_seconds",
			Help:      "Engine task wall time from dispatch to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "model"},
	)

	c.tasksInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_tasks_in_flight",
			Help:      "Engine tasks currently running",
		},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_retries_total",
			Help:      "Retries scheduled, by error code",
		},
		[]string{"provider", "code"},
	)

	c.backoffDelay = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_backoff_seconds",
			Help:      "Backoff delay before a retry",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"provider"},
	)

	c.tokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_tokens_total",
			Help:      "Tokens consumed by completed tasks",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.clampedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_max_tokens_clamped_total",
			Help:      "Requests whose max output tokens were reduced to the model cap",
		},
		[]string{"provider", "model"},
	)

	c.malformedSeen = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_stream_failures_total",
			Help:      "Attempts that ended with an error, by error code",
		},
		[]string{"provider", "code"},
	)

	c.cooldownTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_transitions_total",
			Help:      "Cooldown breaker state changes",
		},
		[]string{"provider", "from", "to"},
	)

	c.chargesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_charges_total",
			Help:      "Charge attempts by outcome",
		},
		[]string{"status"},
	)

	c.creditsCharged = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_charged_total",
			Help:      "Credits deducted from user balances",
		},
		[]string{"provider", "model"},
	)

	c.configLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modelconfig_lookups_total",
			Help:      "Config cache lookups by answer source",
		},
		[]string{"source"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 任务指标记录
// =============================================================================

// TaskStarted 任务开始运行
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksInFlight.Inc()
}

// RecordTask 记录一个任务进入终态。blocked 任务从未启动，不会影响 in-flight。
func (c *Collector) RecordTask(provider, model, state string, duration time.Duration, started bool) {
	if c == nil {
		return
	}
	if started {
		c.tasksInFlight.Dec()
		c.taskDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	}
	c.tasksTotal.WithLabelValues(provider, model, state).Inc()
}

// RecordRetry 记录一次已调度的重试及其退避时长
func (c *Collector) RecordRetry(provider, code string, delay time.Duration) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(provider, code).Inc()
	c.backoffDelay.WithLabelValues(provider).Observe(delay.Seconds())
}

// RecordAttemptFailure 记录一次失败的尝试
func (c *Collector) RecordAttemptFailure(provider, code string) {
	if c == nil {
		return
	}
	c.malformedSeen.WithLabelValues(provider, code).Inc()
}

// RecordClamped 记录一次输出上限裁剪
func (c *Collector) RecordClamped(provider, model string) {
	if c == nil {
		return
	}
	c.clampedTotal.WithLabelValues(provider, model).Inc()
}

// RecordTokens 记录完成任务的 token 用量
func (c *Collector) RecordTokens(provider, model string, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordCooldownTransition 记录冷却熔断状态变化
func (c *Collector) RecordCooldownTransition(provider, from, to string) {
	if c == nil {
		return
	}
	c.cooldownTransitions.WithLabelValues(provider, from, to).Inc()
}

// =============================================================================
// 💰 计费指标记录
// =============================================================================

// RecordCharge 记录一次扣费结果；只有实际扣除的额度计入 credits_charged_total
func (c *Collector) RecordCharge(provider, model, status string, cost int64, deducted bool) {
	if c == nil {
		return
	}
	c.chargesTotal.WithLabelValues(status).Inc()
	if deducted && cost > 0 {
		c.creditsCharged.WithLabelValues(provider, model).Add(float64(cost))
	}
}

// RecordConfigLookup 记录配置缓存查询的来源（fresh/stale/default）
func (c *Collector) RecordConfigLookup(source string) {
	if c == nil {
		return
	}
	c.configLookups.WithLabelValues(source).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
