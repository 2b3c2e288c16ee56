package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StudentBalance mirrors the student_balances table. Quantities are stored
// as integer hundredths.
type StudentBalance struct {
	StudentID           string    `gorm:"primaryKey"`
	HoursPurchasedCents int64     `gorm:"not null"`
	HoursConsumedCents  int64     `gorm:"not null"`
	BalanceAmountCents  int64     `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (StudentBalance) TableName() string { return "student_balances" }

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID   string         `gorm:"type:uuid;primaryKey"`
	StudentID       *string        `gorm:"index:idx_transactions_student_created,priority:1"`
	Type            string         `gorm:"not null"`
	AmountCents     int64          `gorm:"not null"`
	Status          string         `gorm:"not null;index:idx_transactions_status"`
	GatewayIntentID string         `gorm:"not null;uniqueIndex:uniq_transactions_intent"`
	ExpiresAt       *time.Time     `gorm:""`
	CompletedAt     *time.Time     `gorm:""`
	CreditedAt      *time.Time     `gorm:""`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;autoCreateTime:false;index:idx_transactions_student_created,priority:2"`
	UpdatedAt       time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// WebhookEvent mirrors the webhook_events table.
type WebhookEvent struct {
	GatewayEventID string     `gorm:"primaryKey"`
	EventType      string     `gorm:"not null"`
	Status         string     `gorm:"not null;index:idx_webhook_events_status_received,priority:1"`
	Payload        []byte     `gorm:"not null"`
	Attempts       int        `gorm:"not null"`
	LastError      string     `gorm:"not null"`
	ReceivedAt     time.Time  `gorm:"not null;index:idx_webhook_events_status_received,priority:2"`
	ProcessedAt    *time.Time `gorm:""`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// HourConsumption mirrors the hour_consumptions table.
type HourConsumption struct {
	ConsumptionID      string     `gorm:"type:uuid;primaryKey"`
	StudentID          string     `gorm:"not null;index:idx_consumptions_student_created,priority:1"`
	SessionRef         string     `gorm:"not null;uniqueIndex:uniq_consumptions_session"`
	TransactionID      *string    `gorm:""`
	HoursReservedCents int64      `gorm:"not null"`
	HoursConsumedCents int64      `gorm:"not null"`
	HoursRefundedCents int64      `gorm:"not null"`
	IsRefunded         bool       `gorm:"not null"`
	RefundReason       string     `gorm:"not null"`
	RefundedAt         *time.Time `gorm:""`
	CreatedAt          time.Time  `gorm:"not null;autoCreateTime:false;index:idx_consumptions_student_created,priority:2"`
}

func (HourConsumption) TableName() string { return "hour_consumptions" }

func (consumption *HourConsumption) BeforeCreate(tx *gorm.DB) error {
	if consumption.ConsumptionID == "" {
		consumption.ConsumptionID = uuid.NewString()
	}
	return nil
}

// Plan mirrors the plans table.
type Plan struct {
	PlanID             string `gorm:"primaryKey"`
	Name               string `gorm:"not null"`
	Type               string `gorm:"not null"`
	AmountCents        int64  `gorm:"not null"`
	HoursIncludedCents int64  `gorm:"not null"`
	PeriodDays         int    `gorm:"not null"`
	Active             bool   `gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&StudentBalance{}, &Transaction{}, &WebhookEvent{}, &HourConsumption{}, &Plan{})
}
