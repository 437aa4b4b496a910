// Package metrics 提供 eidos-escrow 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_escrow"

// 对赌生命周期指标
var (
	// WagersTotal 对赌状态流转总数
	WagersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wagers_total",
			Help:      "对赌状态流转总数",
		},
		[]string{"event"}, // created, opened, settled, cancelled, refunded, accept_reverted
	)

	// SettlementDuration 结算耗时
	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "结算耗时(秒)",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"result"}, // success, partial, failed
	)

	// NeedsReviewGauge 待人工复核的对赌数量
	NeedsReviewGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "needs_review_wagers",
			Help:      "部分结算待人工复核的对赌数量",
		},
	)

	// DepositVerificationsTotal 充值校验次数
	DepositVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_verifications_total",
			Help:      "充值校验次数",
		},
		[]string{"purpose", "result"}, // result: verified, rejected, replayed, error
	)
)

// 链上转账指标
var (
	// TransfersTotal 链上转账总数
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "链上转账总数",
		},
		[]string{"purpose", "result"}, // purpose: payout/referral/sweep/refund
	)

	// TransferAmountTotal 转账金额
	TransferAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_amount_total",
			Help:      "链上转账金额总计",
		},
		[]string{"purpose"},
	)
)

// RPC 指标
var (
	// RPCCallsTotal RPC 调用总数
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC 节点调用总数",
		},
		[]string{"endpoint", "result"}, // result: success, failure, skipped
	)

	// RPCBreakerState 节点熔断器状态
	RPCBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_breaker_state",
			Help:      "RPC 节点熔断器状态 (0=closed, 1=open, 2=half-open)",
		},
		[]string{"endpoint"},
	)

	// RPCExhaustedTotal 所有节点均失败次数
	RPCExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_exhausted_total",
			Help:      "所有 RPC 节点均不可用的次数",
		},
	)
)

// 定时任务指标
var (
	// JobRunsTotal 任务执行次数
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job", "result"},
	)

	// EscrowResidualGauge 审计发现的残留资金托管钱包数量
	EscrowResidualGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escrow_residual_wallets",
			Help:      "终态对赌中余额高于下限的托管钱包数量",
		},
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "result"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)
)

// Helper functions

// RecordWagerEvent 记录对赌状态流转
func RecordWagerEvent(event string) {
	WagersTotal.WithLabelValues(event).Inc()
}

// RecordSettlement 记录结算
func RecordSettlement(result string, durationSeconds float64) {
	SettlementDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordTransfer 记录链上转账
func RecordTransfer(purpose, result string, amount float64) {
	TransfersTotal.WithLabelValues(purpose, result).Inc()
	if result == "success" && amount > 0 {
		TransferAmountTotal.WithLabelValues(purpose).Add(amount)
	}
}

// RecordRPCCall 记录 RPC 调用
func RecordRPCCall(endpoint, result string) {
	RPCCallsTotal.WithLabelValues(endpoint, result).Inc()
}

// SetBreakerState 更新熔断器状态
func SetBreakerState(endpoint string, state int) {
	RPCBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordDepositVerification 记录充值校验
func RecordDepositVerification(purpose, result string) {
	DepositVerificationsTotal.WithLabelValues(purpose, result).Inc()
}

// RecordJobRun 记录任务执行
func RecordJobRun(job string, err error) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	JobRunsTotal.WithLabelValues(job, result).Inc()
}
