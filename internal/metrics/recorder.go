// Package metrics exposes ledger activity as Prometheus series.
package metrics

import (
	"context"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "balanced"

// Webhook outcome labels.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
	OutcomeDuplicate = "duplicate"
)

// Recorder implements ledger.OperationLogger on top of Prometheus collectors.
type Recorder struct {
	operations     *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	deficits       prometheus.Counter
	hoursCredited  prometheus.Counter
	hoursConsumed  prometheus.Counter
	hoursRefunded  prometheus.Counter
	successRate    prometheus.Gauge
	revenue        prometheus.Gauge
	openTx         prometheus.Gauge
	failedWebhooks prometheus.Gauge
}

// NewRecorder registers the collectors with registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by name and status",
		}, []string{"operation", "status"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by outcome",
		}, []string{"outcome"}),
		deficits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deficits_total",
			Help:      "Debits that pushed consumption above purchased hours",
		}),
		hoursCredited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hours_credited_total",
			Help:      "Purchased hours credited to students",
		}),
		hoursConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hours_consumed_total",
			Help:      "Hours debited for delivered sessions",
		}),
		hoursRefunded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hours_refunded_total",
			Help:      "Hours credited back by session refunds",
		}),
		successRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_success_rate_percent",
			Help:      "Completed over settled transactions in the last report window",
		}),
		revenue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "revenue",
			Help:      "Completed transaction amounts in the last report window",
		}),
		openTx: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_transactions",
			Help:      "Pending or processing transactions in the last report window",
		}),
		failedWebhooks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_webhook_events",
			Help:      "Webhook events waiting for retry",
		}),
	}
}

// LogOperation updates counters for entry.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	status := entry.Status
	if status == "" {
		status = ledger.OperationStatusOK
		if entry.Error != nil {
			status = ledger.OperationStatusError
		}
	}
	recorder.operations.WithLabelValues(entry.Operation, status).Inc()

	switch entry.Operation {
	case ledger.OperationWebhook:
		if entry.GatewayEventID.String() == "" {
			return
		}
		if entry.Error != nil {
			recorder.webhooks.WithLabelValues(OutcomeFailed).Inc()
			return
		}
		recorder.webhooks.WithLabelValues(OutcomeProcessed).Inc()
	case ledger.OperationWebhookConflict:
		recorder.webhooks.WithLabelValues(OutcomeConflict).Inc()
	case ledger.OperationWebhookDuplicate:
		recorder.webhooks.WithLabelValues(OutcomeDuplicate).Inc()
	case ledger.OperationDeficit:
		recorder.deficits.Inc()
	case ledger.OperationCredit:
		if entry.Error == nil {
			addHours(recorder.hoursCredited, entry.Hours)
		}
	case ledger.OperationConsume:
		if entry.Error == nil {
			addHours(recorder.hoursConsumed, entry.Hours)
		}
	case ledger.OperationRefund:
		if entry.Error == nil {
			addHours(recorder.hoursRefunded, entry.Hours)
		}
	}
}

// ObserveReport publishes an analytics report as gauges.
func (recorder *Recorder) ObserveReport(report ledger.Report) {
	recorder.successRate.Set(report.SuccessRate.Decimal().InexactFloat64())
	recorder.revenue.Set(report.Revenue.Decimal().InexactFloat64())
	recorder.openTx.Set(float64(report.Open))
	recorder.failedWebhooks.Set(float64(report.FailedWebhooks))
}

func addHours(counter prometheus.Counter, hours ledger.Quantity) {
	if hours.IsPositive() {
		counter.Add(hours.Decimal().InexactFloat64())
	}
}
