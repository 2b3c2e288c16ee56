package ledger

import (
	"context"
	"time"
)

// BalanceStore persists per-student ledger entries.
type BalanceStore interface {
	// GetOrCreateBalance returns the entry for studentID, creating a zero entry
	// on first use. Inside WithTx the row is locked until commit.
	GetOrCreateBalance(ctx context.Context, studentID StudentID) (BalanceEntry, error)
	SaveBalance(ctx context.Context, entry BalanceEntry) error
}

// TransactionStore persists transaction records.
type TransactionStore interface {
	// CreateTransaction fails with ErrDuplicateIntent when the gateway intent
	// id is already recorded.
	CreateTransaction(ctx context.Context, transaction Transaction) error
	// GetTransaction fails with ErrTransactionNotFound; locks inside WithTx.
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	GetTransactionByIntent(ctx context.Context, intentID IntentID) (Transaction, error)
	// UpdateTransaction writes transaction only if the stored status still
	// equals expected; otherwise it fails with ErrInvalidTransition.
	UpdateTransaction(ctx context.Context, transaction Transaction, expected TransactionStatus) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// WebhookEventStore persists the webhook event log.
type WebhookEventStore interface {
	// InsertWebhookEventIfAbsent atomically inserts event unless its gateway
	// event id exists, and returns the stored row either way.
	InsertWebhookEventIfAbsent(ctx context.Context, event WebhookEvent) (bool, WebhookEvent, error)
	// GetWebhookEvent fails with ErrWebhookEventNotFound; locks inside WithTx.
	GetWebhookEvent(ctx context.Context, eventID GatewayEventID) (WebhookEvent, error)
	// UpdateWebhookEvent writes event only if the stored status equals expected.
	UpdateWebhookEvent(ctx context.Context, event WebhookEvent, expected WebhookStatus) error
	ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]WebhookEvent, error)
}

// ConsumptionStore persists hour consumption records.
type ConsumptionStore interface {
	// CreateConsumption fails with ErrDuplicateConsumption when the session
	// already has a record.
	CreateConsumption(ctx context.Context, consumption Consumption) error
	// GetConsumption fails with ErrConsumptionNotFound; locks inside WithTx.
	GetConsumption(ctx context.Context, consumptionID ConsumptionID) (Consumption, error)
	// MarkConsumptionRefunded persists the refund fields only if the stored
	// record is not refunded yet; otherwise it fails with ErrAlreadyRefunded.
	MarkConsumptionRefunded(ctx context.Context, consumption Consumption) error
	ListConsumptions(ctx context.Context, filter ConsumptionFilter) ([]Consumption, error)
}

// PlanStore resolves catalog plans.
type PlanStore interface {
	// GetPlan fails with ErrInvalidPlan when the plan is unknown.
	GetPlan(ctx context.Context, planID PlanID) (Plan, error)
	SavePlan(ctx context.Context, plan Plan) error
}

// Store is the persistence contract used by the ledger components.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	BalanceStore
	TransactionStore
	WebhookEventStore
	ConsumptionStore
	PlanStore
}

// TransactionFilter narrows ListTransactions. Zero fields do not filter.
type TransactionFilter struct {
	StudentID StudentID
	Status    TransactionStatus
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ConsumptionFilter narrows ListConsumptions. Zero fields do not filter.
type ConsumptionFilter struct {
	StudentID StudentID
	Since     time.Time
	Until     time.Time
	Limit     int
}

// WebhookEventFilter narrows ListWebhookEvents. Zero fields do not filter.
type WebhookEventFilter struct {
	Status WebhookStatus
	Since  time.Time
	Limit  int
}
