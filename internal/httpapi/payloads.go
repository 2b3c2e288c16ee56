package httpapi

import (
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/shopspring/decimal"
)

type purchaseRequest struct {
	PlanID          string `json:"plan_id"`
	GuestEmail      string `json:"guest_email"`
	PaymentMethodID string `json:"payment_method_id"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type consumptionRequest struct {
	StudentID     string           `json:"student_id"`
	SessionRef    string           `json:"session_ref"`
	TransactionID string           `json:"transaction_id"`
	ReservedHours *ledger.Quantity `json:"reserved_hours"`
	ActualHours   *ledger.Quantity `json:"actual_hours"`
}

func (request consumptionRequest) input() (ledger.ConsumptionInput, error) {
	studentID, err := ledger.NewStudentID(request.StudentID)
	if err != nil {
		return ledger.ConsumptionInput{}, err
	}
	sessionRef, err := ledger.NewSessionRef(request.SessionRef)
	if err != nil {
		return ledger.ConsumptionInput{}, err
	}
	var transactionID ledger.TransactionID
	if request.TransactionID != "" {
		if transactionID, err = ledger.NewTransactionID(request.TransactionID); err != nil {
			return ledger.ConsumptionInput{}, err
		}
	}
	if request.ReservedHours == nil || request.ActualHours == nil {
		return ledger.ConsumptionInput{}, fmt.Errorf("%w: reserved_hours and actual_hours are required", ledger.ErrInvalidOperand)
	}
	return ledger.ConsumptionInput{
		StudentID:     studentID,
		SessionRef:    sessionRef,
		TransactionID: transactionID,
		Reserved:      *request.ReservedHours,
		Actual:        *request.ActualHours,
	}, nil
}

type quoteRequest struct {
	OriginalAmount    *ledger.Quantity `json:"original_amount"`
	RefundPercentage  *decimal.Decimal `json:"refund_percentage"`
	AdminFeePercent   decimal.Decimal  `json:"admin_fee_percent"`
	ProcessingFee     ledger.Quantity  `json:"processing_fee"`
	ServiceFeePercent decimal.Decimal  `json:"service_fee_percent"`
	FinalFee          ledger.Quantity  `json:"final_fee"`
	TotalUnits        int64            `json:"total_units"`
	UnitsUsed         int64            `json:"units_used"`
}

func (request quoteRequest) schedule() ledger.FeeSchedule {
	return ledger.FeeSchedule{
		AdminFeePercent:   request.AdminFeePercent,
		ProcessingFee:     request.ProcessingFee,
		ServiceFeePercent: request.ServiceFeePercent,
		FinalFee:          request.FinalFee,
	}
}

type webhookPayload struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate"`
	Conflict  bool   `json:"conflict"`
	Ignored   bool   `json:"ignored"`
}

type purchasePayload struct {
	TransactionID string          `json:"transaction_id"`
	ClientSecret  string          `json:"client_secret"`
	Amount        ledger.Quantity `json:"amount"`
}

type balancePayload struct {
	StudentID      string          `json:"student_id"`
	HoursPurchased ledger.Quantity `json:"hours_purchased"`
	HoursConsumed  ledger.Quantity `json:"hours_consumed"`
	HoursRemaining ledger.Quantity `json:"hours_remaining"`
	BalanceAmount  ledger.Quantity `json:"balance_amount"`
	InDeficit      bool            `json:"in_deficit"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newBalancePayload(entry ledger.BalanceEntry) balancePayload {
	return balancePayload{
		StudentID:      entry.StudentID.String(),
		HoursPurchased: entry.HoursPurchased,
		HoursConsumed:  entry.HoursConsumed,
		HoursRemaining: entry.HoursRemaining(),
		BalanceAmount:  entry.BalanceAmount,
		InDeficit:      entry.InDeficit(),
		UpdatedAt:      entry.UpdatedAt,
	}
}

type transactionPayload struct {
	TransactionID   string                     `json:"transaction_id"`
	StudentID       string                     `json:"student_id,omitempty"`
	Type            string                     `json:"type"`
	Amount          ledger.Quantity            `json:"amount"`
	Status          string                     `json:"status"`
	GatewayIntentID string                     `json:"gateway_intent_id"`
	ExpiresAt       *time.Time                 `json:"expires_at,omitempty"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
	Credited        bool                       `json:"credited"`
	Metadata        ledger.TransactionMetadata `json:"metadata"`
	CreatedAt       time.Time                  `json:"created_at"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:   transaction.ID.String(),
		StudentID:       transaction.StudentID.String(),
		Type:            transaction.Type.String(),
		Amount:          transaction.Amount,
		Status:          transaction.Status.String(),
		GatewayIntentID: transaction.GatewayIntentID.String(),
		ExpiresAt:       transaction.ExpiresAt,
		CompletedAt:     transaction.CompletedAt,
		Credited:        transaction.CreditedAt != nil,
		Metadata:        transaction.Metadata,
		CreatedAt:       transaction.CreatedAt,
	}
}

type consumptionPayload struct {
	ConsumptionID   string          `json:"consumption_id"`
	StudentID       string          `json:"student_id"`
	SessionRef      string          `json:"session_ref"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	ReservedHours   ledger.Quantity `json:"reserved_hours"`
	ConsumedHours   ledger.Quantity `json:"consumed_hours"`
	HoursRefunded   ledger.Quantity `json:"hours_refunded"`
	HoursDifference ledger.Quantity `json:"hours_difference"`
	IsRefunded      bool            `json:"is_refunded"`
	RefundReason    string          `json:"refund_reason,omitempty"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func newConsumptionPayload(consumption ledger.Consumption) consumptionPayload {
	return consumptionPayload{
		ConsumptionID:   consumption.ID.String(),
		StudentID:       consumption.StudentID.String(),
		SessionRef:      consumption.SessionRef.String(),
		TransactionID:   consumption.TransactionID.String(),
		ReservedHours:   consumption.HoursOriginallyReserved,
		ConsumedHours:   consumption.HoursConsumed,
		HoursRefunded:   consumption.HoursRefunded,
		HoursDifference: consumption.HoursDifference(),
		IsRefunded:      consumption.IsRefunded,
		RefundReason:    consumption.RefundReason,
		RefundedAt:      consumption.RefundedAt,
		CreatedAt:       consumption.CreatedAt,
	}
}

type cascadeStepPayload struct {
	Name      string          `json:"name"`
	Deduction ledger.Quantity `json:"deduction"`
	Remaining ledger.Quantity `json:"remaining"`
}

type prorationPayload struct {
	PerUnitRate ledger.Quantity `json:"per_unit_rate"`
	Used        ledger.Quantity `json:"used"`
	Refund      ledger.Quantity `json:"refund"`
}

type quotePayload struct {
	Original        ledger.Quantity      `json:"original"`
	Percentage      string               `json:"percentage"`
	AfterPercentage ledger.Quantity      `json:"after_percentage"`
	Steps           []cascadeStepPayload `json:"steps"`
	Refund          ledger.Quantity      `json:"refund"`
	Proration       *prorationPayload    `json:"proration,omitempty"`
}
