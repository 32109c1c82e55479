package metrics

import "github.com/prometheus/client_golang/prometheus"

// EscrowMetrics tracks the join/payment pipeline.
type EscrowMetrics struct {
	joins            *prometheus.CounterVec
	rollbackFailures prometheus.Counter
	gatewayRetries   prometheus.Counter
	refundFailures   prometheus.Counter
}

// NewEscrowMetrics registers the escrow metrics on the provided registerer.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	if reg == nil {
		return &EscrowMetrics{}
	}
	joins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_joins_total",
		Help: "Join attempts by outcome.",
	}, []string{"outcome"})
	rollbackFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_rollback_failures_total",
		Help: "Participant rows left behind after a failed payment rollback.",
	})
	gatewayRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_gateway_retries_total",
		Help: "Retried payment gateway calls.",
	})
	refundFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_refund_failures_total",
		Help: "Refunds that could not be issued.",
	})
	reg.MustRegister(joins, rollbackFailures, gatewayRetries, refundFailures)
	return &EscrowMetrics{
		joins:            joins,
		rollbackFailures: rollbackFailures,
		gatewayRetries:   gatewayRetries,
		refundFailures:   refundFailures,
	}
}

// IncJoin counts a join attempt with the given outcome label.
func (m *EscrowMetrics) IncJoin(outcome string) {
	if m == nil || m.joins == nil {
		return
	}
	m.joins.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *EscrowMetrics) IncRollbackFailure() {
	if m == nil || m.rollbackFailures == nil {
		return
	}
	m.rollbackFailures.Inc()
}

func (m *EscrowMetrics) IncGatewayRetry() {
	if m == nil || m.gatewayRetries == nil {
		return
	}
	m.gatewayRetries.Inc()
}

func (m *EscrowMetrics) IncRefundFailure() {
	if m == nil || m.refundFailures == nil {
		return
	}
	m.refundFailures.Inc()
}
