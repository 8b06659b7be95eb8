package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics 转发流水线的监控指标。
type Metrics struct {
	// 登记阶段指标
	MessagesRegistered prometheus.Counter
	MessagesSkipped    prometheus.Counter

	// 裁决阶段指标
	MessagesActivated prometheus.Counter
	MessagesBounced   prometheus.Counter
	MessagesIgnored   prometheus.Counter
	MessagesErrored   prometheus.Counter

	// 投递阶段指标
	ForwardsSent   prometheus.Counter
	ForwardsFailed prometheus.Counter

	// 运行指标
	RunDuration prometheus.Histogram
	RunsTotal   *prometheus.CounterVec
}

// NewMetrics 创建监控指标（promauto 自动注册到默认注册表）。
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_messages_registered_total",
			Help: "Total number of inbound messages registered",
		}),
		MessagesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_messages_skipped_total",
			Help: "Total number of already-registered messages skipped during register",
		}),
		MessagesActivated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_messages_activated_total",
			Help: "Total number of messages accepted for forwarding",
		}),
		MessagesBounced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_messages_bounced_total",
			Help: "Total number of messages rejected with a bounce reply",
		}),
		MessagesIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_messages_ignored_total",
			Help: "Total number of messages from unknown senders silently dropped",
		}),
		MessagesErrored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_messages_errored_total",
			Help: "Total number of messages that hit a protocol error",
		}),
		ForwardsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_forwards_sent_total",
			Help: "Total number of per-recipient forward deliveries attempted",
		}),
		ForwardsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listrelay_forwards_failed_total",
			Help: "Total number of per-recipient forward deliveries that failed",
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "listrelay_run_duration_seconds",
			Help:    "Duration of a full pipeline run",
			Buckets: prometheus.DefBuckets,
		}),
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "listrelay_runs_total",
			Help: "Total number of pipeline runs by outcome",
		}, []string{"outcome"}),
	}
}

// HTTPHandler 返回 Prometheus 拉取端点的处理器（relayd 用）。
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// Push 把当前指标推送到 Pushgateway。
//
// cron 形态的一次性进程无法被拉取，运行结束时主动推送；
// url 为空时为空操作。
func (m *Metrics) Push(url, job string) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push()
}
