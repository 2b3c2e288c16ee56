package ledger

import (
	"fmt"
	"strings"
	"time"
)

// StudentID identifies the owner of a balance ledger entry.
type StudentID struct {
	value string
}

// TransactionID identifies a transaction record.
type TransactionID struct {
	value string
}

// IntentID is the gateway's payment intent reference.
type IntentID struct {
	value string
}

// GatewayEventID is the gateway's unique event id; it is the webhook idempotency key.
type GatewayEventID struct {
	value string
}

// ConsumptionID identifies an hour consumption record.
type ConsumptionID struct {
	value string
}

// SessionRef references a delivered session owned by the scheduling subsystem.
type SessionRef struct {
	value string
}

// PlanID identifies a catalog plan.
type PlanID struct {
	value string
}

func normalizeIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", sentinel)
	}
	return trimmed, nil
}

// NewStudentID validates and normalizes a student id.
func NewStudentID(raw string) (StudentID, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidStudentID)
	return StudentID{value: value}, err
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidTransactionID)
	return TransactionID{value: value}, err
}

// NewIntentID validates and normalizes a gateway intent id.
func NewIntentID(raw string) (IntentID, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidIntentID)
	return IntentID{value: value}, err
}

// NewGatewayEventID validates and normalizes a gateway event id.
func NewGatewayEventID(raw string) (GatewayEventID, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidGatewayEventID)
	return GatewayEventID{value: value}, err
}

// NewConsumptionID validates and normalizes a consumption id.
func NewConsumptionID(raw string) (ConsumptionID, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidConsumptionID)
	return ConsumptionID{value: value}, err
}

// NewSessionRef validates and normalizes a session reference.
func NewSessionRef(raw string) (SessionRef, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidSessionRef)
	return SessionRef{value: value}, err
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	value, err := normalizeIdentifier(raw, ErrInvalidPlan)
	return PlanID{value: value}, err
}

func (id StudentID) String() string      { return id.value }
func (id TransactionID) String() string  { return id.value }
func (id IntentID) String() string       { return id.value }
func (id GatewayEventID) String() string { return id.value }
func (id ConsumptionID) String() string  { return id.value }
func (id SessionRef) String() string     { return id.value }
func (id PlanID) String() string         { return id.value }

// IsZero reports whether the student reference is unset (guest checkout).
func (id StudentID) IsZero() bool { return id.value == "" }

// IsZero reports whether the transaction reference is unset.
func (id TransactionID) IsZero() bool { return id.value == "" }

// TransactionType enumerates purchase kinds.
type TransactionType string

const (
	TransactionTypePackage      TransactionType = "package"
	TransactionTypeSubscription TransactionType = "subscription"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionTypePackage:
		return TransactionTypePackage, nil
	case TransactionTypeSubscription:
		return TransactionTypeSubscription, nil
	default:
		return "", fmt.Errorf("%w: unknown transaction type %q", ErrInvalidPlan, raw)
	}
}

func (transactionType TransactionType) String() string { return string(transactionType) }

// TransactionStatus is the lifecycle state of a transaction record.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
)

// ParseTransactionStatus validates a stored status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.TrimSpace(raw))
	switch status {
	case TransactionStatusPending, TransactionStatusProcessing, TransactionStatusCompleted, TransactionStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown transaction status %q", ErrInvalidTransition, raw)
	}
}

func (status TransactionStatus) String() string { return string(status) }

// IsTerminal reports whether no further status change is legal.
func (status TransactionStatus) IsTerminal() bool {
	return status == TransactionStatusCompleted || status == TransactionStatusFailed
}

// CanTransitionTo reports whether status → next is a legal forward move.
func (status TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch status {
	case TransactionStatusPending:
		return next == TransactionStatusProcessing || next == TransactionStatusFailed
	case TransactionStatusProcessing:
		return next == TransactionStatusCompleted || next == TransactionStatusFailed
	default:
		return false
	}
}

// WebhookStatus is the processing state of a webhook event log entry.
type WebhookStatus string

const (
	WebhookStatusReceived   WebhookStatus = "received"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusProcessed  WebhookStatus = "processed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusRetrying   WebhookStatus = "retrying"
)

// ParseWebhookStatus validates a stored webhook status.
func ParseWebhookStatus(raw string) (WebhookStatus, error) {
	status := WebhookStatus(strings.TrimSpace(raw))
	switch status {
	case WebhookStatusReceived, WebhookStatusProcessing, WebhookStatusProcessed, WebhookStatusFailed, WebhookStatusRetrying:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown webhook status %q", ErrInvalidWebhookStatus, raw)
	}
}

func (status WebhookStatus) String() string { return string(status) }

// CanAdvanceTo enforces the monotonic webhook lifecycle including the
// failed → retrying → processing cycle.
func (status WebhookStatus) CanAdvanceTo(next WebhookStatus) bool {
	switch status {
	case WebhookStatusReceived:
		return next == WebhookStatusProcessing
	case WebhookStatusProcessing:
		return next == WebhookStatusProcessed || next == WebhookStatusFailed
	case WebhookStatusFailed:
		return next == WebhookStatusRetrying
	case WebhookStatusRetrying:
		return next == WebhookStatusProcessing
	default:
		return false
	}
}

// Plan is the subset of the catalog the engine reads.
type Plan struct {
	ID            PlanID
	Name          string
	Type          TransactionType
	Amount        Quantity
	HoursIncluded Quantity
	PeriodDays    int
	Active        bool
}

// BalanceEntry is the per-student running ledger.
type BalanceEntry struct {
	StudentID      StudentID
	HoursPurchased Quantity
	HoursConsumed  Quantity
	BalanceAmount  Quantity
	UpdatedAt      time.Time
}

// HoursRemaining is purchased minus consumed; negative when over-consumed.
func (entry BalanceEntry) HoursRemaining() Quantity {
	return entry.HoursPurchased.Sub(entry.HoursConsumed)
}

// InDeficit reports whether consumption has overshot purchases.
func (entry BalanceEntry) InDeficit() bool {
	return entry.HoursConsumed.GreaterThan(entry.HoursPurchased)
}

// Transaction is a purchase/renewal intent and its lifecycle state.
type Transaction struct {
	ID              TransactionID
	StudentID       StudentID
	Type            TransactionType
	Amount          Quantity
	Status          TransactionStatus
	GatewayIntentID IntentID
	ExpiresAt       *time.Time
	CompletedAt     *time.Time
	CreditedAt      *time.Time
	Metadata        TransactionMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsGuest reports whether no student has been attached yet.
func (transaction Transaction) IsGuest() bool {
	return transaction.StudentID.IsZero()
}

// WebhookEvent is one entry in the webhook event log.
type WebhookEvent struct {
	GatewayEventID GatewayEventID
	EventType      string
	Status         WebhookStatus
	Payload        []byte
	Attempts       int
	LastError      string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

// Consumption binds a delivered session to the ledger deduction it caused.
type Consumption struct {
	ID                      ConsumptionID
	StudentID               StudentID
	SessionRef              SessionRef
	TransactionID           TransactionID
	HoursOriginallyReserved Quantity
	HoursConsumed           Quantity
	HoursRefunded           Quantity
	IsRefunded              bool
	RefundReason            string
	RefundedAt              *time.Time
	CreatedAt               time.Time
}

// HoursDifference is reserved minus consumed: positive ⇒ refund owed,
// negative ⇒ overrun.
func (consumption Consumption) HoursDifference() Quantity {
	return consumption.HoursOriginallyReserved.Sub(consumption.HoursConsumed)
}
