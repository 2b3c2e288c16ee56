package ledger

import (
	"context"
	"fmt"
	"time"
)

// Ledger owns the per-student running totals. Every mutation holds the
// student's lock and runs inside one store transaction, so concurrent
// credits and debits for the same student never interleave their
// read-modify-write; different students proceed independently.
type Ledger struct {
	store   Store
	options options
}

// CreditInput adds purchased hours and/or monetary balance.
type CreditInput struct {
	Hours  Quantity
	Amount Quantity
}

// DebitResult reports the entry after a debit and whether it is over-consumed.
type DebitResult struct {
	Balance   BalanceEntry
	Deficit   bool
	Shortfall Quantity
}

// NewLedger wires a Ledger.
func NewLedger(store Store, now func() int64, configured ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Ledger{store: store, options: buildOptions(now, configured)}, nil
}

// Snapshot returns the current entry for display; unknown students read as zero.
func (ledger *Ledger) Snapshot(ctx context.Context, studentID StudentID) (BalanceEntry, error) {
	if studentID.IsZero() {
		return BalanceEntry{}, fmt.Errorf("%w: empty value", ErrInvalidStudentID)
	}
	return ledger.store.GetOrCreateBalance(ctx, studentID)
}

// CanAttend reports whether the remaining hours cover a session of the given length.
func (ledger *Ledger) CanAttend(ctx context.Context, studentID StudentID, hours Quantity) (bool, error) {
	entry, err := ledger.Snapshot(ctx, studentID)
	if err != nil {
		return false, err
	}
	return !entry.HoursRemaining().LessThan(hours), nil
}

// Credit adds hours and/or money. It pairs with a completed transaction and
// is not a financial guarantee on its own.
func (ledger *Ledger) Credit(ctx context.Context, studentID StudentID, input CreditInput) (BalanceEntry, error) {
	var updated BalanceEntry
	operationError := ledger.withStudent(ctx, studentID, func(ctx context.Context, txStore Store) error {
		entry, err := ledger.creditInTx(ctx, txStore, studentID, input)
		updated = entry
		return err
	})
	ledger.options.logOperation(ctx, OperationLog{
		Operation: OperationCredit,
		StudentID: studentID,
		Amount:    input.Amount,
		Hours:     input.Hours,
		Error:     operationError,
	})
	return updated, operationError
}

// DebitHours adds to hours consumed. Overshooting purchased hours is allowed
// and reported through DebitResult.Deficit instead of an error.
func (ledger *Ledger) DebitHours(ctx context.Context, studentID StudentID, hours Quantity) (DebitResult, error) {
	var result DebitResult
	operationError := ledger.withStudent(ctx, studentID, func(ctx context.Context, txStore Store) error {
		debit, err := ledger.debitInTx(ctx, txStore, studentID, hours)
		result = debit
		return err
	})
	ledger.options.logOperation(ctx, OperationLog{
		Operation: OperationDebitHours,
		StudentID: studentID,
		Hours:     hours,
		Deficit:   result.Deficit,
		Error:     operationError,
	})
	if operationError == nil {
		ledger.afterDebit(ctx, result, SessionRef{})
	}
	return result, operationError
}

// CreditBackHours subtracts from hours consumed, floored at zero.
func (ledger *Ledger) CreditBackHours(ctx context.Context, studentID StudentID, hours Quantity) (BalanceEntry, error) {
	var updated BalanceEntry
	operationError := ledger.withStudent(ctx, studentID, func(ctx context.Context, txStore Store) error {
		entry, err := ledger.creditBackInTx(ctx, txStore, studentID, hours)
		updated = entry
		return err
	})
	ledger.options.logOperation(ctx, OperationLog{
		Operation: OperationCreditBackHours,
		StudentID: studentID,
		Hours:     hours,
		Error:     operationError,
	})
	return updated, operationError
}

func (ledger *Ledger) withStudent(ctx context.Context, studentID StudentID, fn func(ctx context.Context, txStore Store) error) error {
	if studentID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidStudentID)
	}
	return ledger.withLocks(ctx, []string{studentLockKey(studentID)}, fn)
}

// withLocks holds keys, acquired in the given order, for the duration of one
// store transaction. Locks are always taken before the transaction starts.
func (ledger *Ledger) withLocks(ctx context.Context, keys []string, fn func(ctx context.Context, txStore Store) error) error {
	for _, key := range keys {
		unlock, err := ledger.options.locker.Lock(ctx, key)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return ledger.store.WithTx(ctx, fn)
}

func (ledger *Ledger) creditInTx(ctx context.Context, txStore Store, studentID StudentID, input CreditInput) (BalanceEntry, error) {
	if input.Hours.IsNegative() || input.Amount.IsNegative() {
		return BalanceEntry{}, fmt.Errorf("%w: credit must not be negative", ErrInvalidOperand)
	}
	entry, err := txStore.GetOrCreateBalance(ctx, studentID)
	if err != nil {
		return BalanceEntry{}, err
	}
	entry.HoursPurchased = entry.HoursPurchased.Add(input.Hours)
	entry.BalanceAmount = entry.BalanceAmount.Add(input.Amount)
	if !entry.HoursPurchased.InRange() || !entry.BalanceAmount.InRange() {
		return BalanceEntry{}, fmt.Errorf("%w: credit exceeds the storable range", ErrInvalidOperand)
	}
	entry.UpdatedAt = ledger.nowTime()
	if err := txStore.SaveBalance(ctx, entry); err != nil {
		return BalanceEntry{}, err
	}
	return entry, nil
}

func (ledger *Ledger) debitInTx(ctx context.Context, txStore Store, studentID StudentID, hours Quantity) (DebitResult, error) {
	if hours.IsNegative() {
		return DebitResult{}, fmt.Errorf("%w: debit must not be negative", ErrInvalidOperand)
	}
	entry, err := txStore.GetOrCreateBalance(ctx, studentID)
	if err != nil {
		return DebitResult{}, err
	}
	entry.HoursConsumed = entry.HoursConsumed.Add(hours)
	if !entry.HoursConsumed.InRange() {
		return DebitResult{}, fmt.Errorf("%w: debit exceeds the storable range", ErrInvalidOperand)
	}
	entry.UpdatedAt = ledger.nowTime()
	if err := txStore.SaveBalance(ctx, entry); err != nil {
		return DebitResult{}, err
	}
	result := DebitResult{Balance: entry, Shortfall: ZeroQuantity}
	if entry.InDeficit() {
		result.Deficit = true
		result.Shortfall = entry.HoursConsumed.Sub(entry.HoursPurchased)
	}
	return result, nil
}

func (ledger *Ledger) creditBackInTx(ctx context.Context, txStore Store, studentID StudentID, hours Quantity) (BalanceEntry, error) {
	if hours.IsNegative() {
		return BalanceEntry{}, fmt.Errorf("%w: credit back must not be negative", ErrInvalidOperand)
	}
	entry, err := txStore.GetOrCreateBalance(ctx, studentID)
	if err != nil {
		return BalanceEntry{}, err
	}
	entry.HoursConsumed = entry.HoursConsumed.Sub(hours).Max(ZeroQuantity)
	entry.UpdatedAt = ledger.nowTime()
	if err := txStore.SaveBalance(ctx, entry); err != nil {
		return BalanceEntry{}, err
	}
	return entry, nil
}

func (ledger *Ledger) afterDebit(ctx context.Context, result DebitResult, sessionRef SessionRef) {
	if !result.Deficit {
		return
	}
	ledger.options.logOperation(ctx, OperationLog{
		Operation: OperationDeficit,
		StudentID: result.Balance.StudentID,
		Hours:     result.Shortfall,
		Deficit:   true,
		Detail:    sessionRef.String(),
	})
	ledger.options.deficitPolicy.OnDeficit(ctx, DeficitNotice{
		StudentID:      result.Balance.StudentID,
		HoursPurchased: result.Balance.HoursPurchased,
		HoursConsumed:  result.Balance.HoursConsumed,
		Shortfall:      result.Shortfall,
		SessionRef:     sessionRef,
	})
}

func (ledger *Ledger) nowTime() time.Time {
	return time.Unix(ledger.options.now(), 0).UTC()
}
