package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Report summarizes payments and consumption over a window.
type Report struct {
	Since              time.Time                    `json:"since"`
	Until              time.Time                    `json:"until"`
	Transactions       int                          `json:"transactions"`
	TransactionsByType map[TransactionType]int      `json:"transactions_by_type"`
	Completed          int                          `json:"completed"`
	Failed             int                          `json:"failed"`
	Open               int                          `json:"open"`
	SuccessRate        Quantity                     `json:"success_rate"`
	Revenue            Quantity                     `json:"revenue"`
	RevenueByType      map[TransactionType]Quantity `json:"revenue_by_type"`
	Sessions           int                          `json:"sessions"`
	HoursConsumed      Quantity                     `json:"hours_consumed"`
	Refunds            int                          `json:"refunds"`
	HoursRefunded      Quantity                     `json:"hours_refunded"`
	FailedWebhooks     int                          `json:"failed_webhooks"`
}

// Analytics computes reports from the store.
type Analytics struct {
	store Store
}

// NewAnalytics wires Analytics.
func NewAnalytics(store Store) (*Analytics, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	return &Analytics{store: store}, nil
}

// Report aggregates transactions and consumption created in [since, until).
// A zero until means open-ended.
func (analytics *Analytics) Report(ctx context.Context, since time.Time, until time.Time) (Report, error) {
	if !until.IsZero() && until.Before(since) {
		return Report{}, fmt.Errorf("%w: until precedes since", ErrInvalidOperand)
	}
	transactions, err := analytics.store.ListTransactions(ctx, TransactionFilter{Since: since, Until: until})
	if err != nil {
		return Report{}, err
	}
	consumptions, err := analytics.store.ListConsumptions(ctx, ConsumptionFilter{Since: since, Until: until})
	if err != nil {
		return Report{}, err
	}
	failedEvents, err := analytics.store.ListWebhookEvents(ctx, WebhookEventFilter{Status: WebhookStatusFailed, Since: since})
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Since:              since,
		Until:              until,
		TransactionsByType: make(map[TransactionType]int),
		RevenueByType:      make(map[TransactionType]Quantity),
		SuccessRate:        ZeroQuantity,
		Revenue:            ZeroQuantity,
		HoursConsumed:      ZeroQuantity,
		HoursRefunded:      ZeroQuantity,
		FailedWebhooks:     len(failedEvents),
	}
	for _, transaction := range transactions {
		report.Transactions++
		report.TransactionsByType[transaction.Type]++
		switch transaction.Status {
		case TransactionStatusCompleted:
			report.Completed++
			report.Revenue = report.Revenue.Add(transaction.Amount)
			report.RevenueByType[transaction.Type] = report.RevenueByType[transaction.Type].Add(transaction.Amount)
		case TransactionStatusFailed:
			report.Failed++
		default:
			report.Open++
		}
	}
	if settled := report.Completed + report.Failed; settled > 0 {
		report.SuccessRate = NewQuantity(decimal.NewFromInt(int64(report.Completed)).Mul(hundred).Div(decimal.NewFromInt(int64(settled))))
	}
	for _, consumption := range consumptions {
		report.Sessions++
		report.HoursConsumed = report.HoursConsumed.Add(consumption.HoursConsumed)
		if consumption.IsRefunded {
			report.Refunds++
			report.HoursRefunded = report.HoursRefunded.Add(consumption.HoursRefunded)
		}
	}
	return report, nil
}
