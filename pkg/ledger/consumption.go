package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ConsumptionInput describes a delivered session.
type ConsumptionInput struct {
	StudentID  StudentID
	SessionRef SessionRef
	// TransactionID optionally names the purchase that funded the session.
	TransactionID TransactionID
	Reserved      Quantity
	Actual        Quantity
}

// ConsumptionOutcome is the recorded consumption and the resulting debit.
type ConsumptionOutcome struct {
	Consumption Consumption
	Debit       DebitResult
}

// RefundOutcome reports the hours returned by ProcessRefund.
type RefundOutcome struct {
	Consumption   Consumption
	RefundedHours Quantity
	IsRefunded    bool
	Balance       BalanceEntry
}

// ConsumptionTracker binds delivered sessions to ledger deductions and
// reconciles early endings with a one-shot refund.
type ConsumptionTracker struct {
	ledger *Ledger
}

// NewConsumptionTracker wires a tracker on top of ledger.
func NewConsumptionTracker(ledger *Ledger) (*ConsumptionTracker, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	return &ConsumptionTracker{ledger: ledger}, nil
}

// RecordConsumption creates the consumption record and debits the booked
// hours in the same store transaction: the reserved hours, or the actual
// hours when the session overran. ProcessRefund later returns reserved minus
// actual, so the ledger settles at the actual hours. One record per session.
func (tracker *ConsumptionTracker) RecordConsumption(ctx context.Context, input ConsumptionInput) (ConsumptionOutcome, error) {
	var outcome ConsumptionOutcome
	operationError := func() error {
		if input.SessionRef.String() == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidSessionRef)
		}
		if input.Reserved.IsNegative() || input.Actual.IsNegative() {
			return fmt.Errorf("%w: hours must not be negative", ErrInvalidOperand)
		}
		consumptionID, err := NewConsumptionID(uuid.NewString())
		if err != nil {
			return err
		}
		return tracker.ledger.withStudent(ctx, input.StudentID, func(ctx context.Context, txStore Store) error {
			if !input.TransactionID.IsZero() {
				funding, err := txStore.GetTransaction(ctx, input.TransactionID)
				if err != nil {
					return err
				}
				if funding.StudentID != input.StudentID {
					return fmt.Errorf("%w: %s is not owned by %s", ErrTransactionNotFound, input.TransactionID.String(), input.StudentID.String())
				}
			}
			consumption := Consumption{
				ID:                      consumptionID,
				StudentID:               input.StudentID,
				SessionRef:              input.SessionRef,
				TransactionID:           input.TransactionID,
				HoursOriginallyReserved: input.Reserved,
				HoursConsumed:           input.Actual,
				HoursRefunded:           ZeroQuantity,
				CreatedAt:               tracker.ledger.nowTime(),
			}
			if err := txStore.CreateConsumption(ctx, consumption); err != nil {
				return err
			}
			debit, err := tracker.ledger.debitInTx(ctx, txStore, input.StudentID, DebitedHours(input.Reserved, input.Actual))
			if err != nil {
				return err
			}
			outcome = ConsumptionOutcome{Consumption: consumption, Debit: debit}
			return nil
		})
	}()
	tracker.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationConsume,
		StudentID:     input.StudentID,
		TransactionID: input.TransactionID,
		ConsumptionID: outcome.Consumption.ID,
		Hours:         DebitedHours(input.Reserved, input.Actual),
		Deficit:       outcome.Debit.Deficit,
		Detail:        input.SessionRef.String(),
		Error:         operationError,
	})
	if operationError == nil {
		tracker.ledger.afterDebit(ctx, outcome.Debit, input.SessionRef)
	}
	return outcome, operationError
}

// ProcessRefund credits back reserved minus consumed hours, floored at zero,
// and marks the record refunded. A zero refund still marks it; a second call
// fails with ErrAlreadyRefunded.
func (tracker *ConsumptionTracker) ProcessRefund(ctx context.Context, consumptionID ConsumptionID, reason string) (RefundOutcome, error) {
	var outcome RefundOutcome
	var studentID StudentID
	operationError := func() error {
		current, err := tracker.ledger.store.GetConsumption(ctx, consumptionID)
		if err != nil {
			return err
		}
		studentID = current.StudentID
		if current.IsRefunded {
			return fmt.Errorf("%w: consumption %s", ErrAlreadyRefunded, consumptionID.String())
		}
		return tracker.ledger.withStudent(ctx, current.StudentID, func(ctx context.Context, txStore Store) error {
			consumption, err := txStore.GetConsumption(ctx, consumptionID)
			if err != nil {
				return err
			}
			if consumption.IsRefunded {
				return fmt.Errorf("%w: consumption %s", ErrAlreadyRefunded, consumptionID.String())
			}
			refund := RefundableHours(consumption.HoursOriginallyReserved, consumption.HoursConsumed)
			balance, err := tracker.ledger.creditBackInTx(ctx, txStore, consumption.StudentID, refund)
			if err != nil {
				return err
			}
			refundedAt := tracker.ledger.nowTime()
			consumption.IsRefunded = true
			consumption.HoursRefunded = refund
			consumption.RefundReason = strings.TrimSpace(reason)
			consumption.RefundedAt = &refundedAt
			if err := txStore.MarkConsumptionRefunded(ctx, consumption); err != nil {
				return err
			}
			outcome = RefundOutcome{
				Consumption:   consumption,
				RefundedHours: refund,
				IsRefunded:    true,
				Balance:       balance,
			}
			return nil
		})
	}()
	tracker.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationRefund,
		StudentID:     studentID,
		ConsumptionID: consumptionID,
		Hours:         outcome.RefundedHours,
		Detail:        reason,
		Error:         operationError,
	})
	return outcome, operationError
}

// Get returns a consumption record.
func (tracker *ConsumptionTracker) Get(ctx context.Context, consumptionID ConsumptionID) (Consumption, error) {
	return tracker.ledger.store.GetConsumption(ctx, consumptionID)
}

// History lists consumption records, newest first.
func (tracker *ConsumptionTracker) History(ctx context.Context, filter ConsumptionFilter) ([]Consumption, error) {
	return tracker.ledger.store.ListConsumptions(ctx, filter)
}

// DebitedHours is what a session charges when recorded: the larger of
// reserved and actual.
func DebitedHours(reserved Quantity, actual Quantity) Quantity {
	return reserved.Max(actual)
}

// RefundableHours is reserved minus consumed, never below zero.
func RefundableHours(reserved Quantity, consumed Quantity) Quantity {
	return reserved.Sub(consumed).Max(ZeroQuantity)
}
