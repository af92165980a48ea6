// Package metrics 定义同步任务的 Prometheus 指标。
//
// 任务是一次性进程，没有 /metrics 端口可供抓取；配置了 Pushgateway 时在运行结束后推送一次。
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "funnel_sync"

var (
	// 候选人处理结果。Labels: funnel_type, outcome (created, already_tracked, would_create, skipped, error)
	TrackedCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracked_candidates_total",
			Help:      "Candidates processed by the funnel tracker",
		},
		[]string{"funnel_type", "outcome"},
	)

	// 购买对账结果。Labels: outcome (marked, already_purchased, would_mark, no_purchase, error)
	ReconciledEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_entries_total",
			Help:      "Funnel entries checked by the purchase reconciler",
		},
		[]string{"outcome"},
	)

	// 发件箱分发结果。Labels: operation, result (sent, retry_scheduled, failed, lost, simulated)
	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dispatched_total",
			Help:      "Outbox messages handled by the dispatcher",
		},
		[]string{"operation", "result"},
	)

	// 运行结束时各状态的发件箱消息数
	OutboxBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_messages",
			Help:      "Outbox messages by status at the end of the run",
		},
		[]string{"status"},
	)

	// Brevo 请求。Labels: class (2xx, 4xx, 429, 5xx, network)
	BrevoRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brevo_requests_total",
			Help:      "Requests sent to the Brevo API",
		},
		[]string{"class"},
	)

	BrevoRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "brevo_request_duration_seconds",
			Help:      "Brevo API request latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// 0=closed, 1=half-open, 2=open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	RunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run",
		},
	)

	RunLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last completed run",
		},
	)

	RunsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_skipped_total",
			Help:      "Runs skipped because another run held the lock",
		},
	)
)

// StatusClass 把 HTTP 状态码归类为指标标签
func StatusClass(statusCode int) string {
	switch {
	case statusCode == 0:
		return "network"
	case statusCode == 429:
		return "429"
	case statusCode >= 500:
		return "5xx"
	case statusCode >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// Push 将默认注册表中的全部指标推送到 Pushgateway。url 为空时什么也不做。
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	return PushFrom(ctx, prometheus.DefaultGatherer, url, job)
}

// PushFrom 推送指定 Gatherer 的指标
func PushFrom(ctx context.Context, g prometheus.Gatherer, url, job string) error {
	if job == "" {
		job = namespace
	}
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("推送指标到 Pushgateway 失败: %w", err)
	}
	return nil
}
