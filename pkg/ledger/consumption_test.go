package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func mustRecordConsumption(test *testing.T, components testComponents, studentID StudentID, session string, reserved string, actual string) ConsumptionOutcome {
	test.Helper()
	outcome, err := components.tracker.RecordConsumption(context.Background(), ConsumptionInput{
		StudentID:  studentID,
		SessionRef: mustSessionRef(test, session),
		Reserved:   mustQuantity(test, reserved),
		Actual:     mustQuantity(test, actual),
	})
	if err != nil {
		test.Fatalf("record consumption: %v", err)
	}
	return outcome
}

func TestEarlyEndedSessionRefundsUnusedHours(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	ctx := context.Background()
	studentID := mustStudentID(test, "student-1")
	if _, err := components.ledger.Credit(ctx, studentID, CreditInput{Hours: mustQuantity(test, "10.00")}); err != nil {
		test.Fatalf("credit: %v", err)
	}

	outcome := mustRecordConsumption(test, components, studentID, "session-1", "1.00", "0.75")
	assertQuantity(test, "consumed after session", outcome.Debit.Balance.HoursConsumed, "1.00")

	refund, err := components.tracker.ProcessRefund(ctx, outcome.Consumption.ID, "ended early")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if !refund.IsRefunded {
		test.Fatalf("expected refunded outcome")
	}
	assertQuantity(test, "refunded hours", refund.RefundedHours, "0.25")
	assertQuantity(test, "consumed after refund", refund.Balance.HoursConsumed, "0.75")

	stored, err := components.tracker.Get(ctx, outcome.Consumption.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if !stored.IsRefunded || stored.RefundReason != "ended early" || stored.RefundedAt == nil {
		test.Fatalf("unexpected stored consumption: %+v", stored)
	}
	assertQuantity(test, "stored refund", stored.HoursRefunded, "0.25")

	_, err = components.tracker.ProcessRefund(ctx, outcome.Consumption.ID, "again")
	if !errors.Is(err, ErrAlreadyRefunded) {
		test.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	assertQuantity(test, "consumed after second refund", components.store.balance(test, studentID).HoursConsumed, "0.75")
}

func TestRefundEdgeCases(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		reserved     string
		actual       string
		wantRefund   string
		wantConsumed string
	}{
		{name: "zero difference still marks refunded", reserved: "1.00", actual: "1.00", wantRefund: "0.00", wantConsumed: "1.00"},
		{name: "overrun refunds nothing", reserved: "1.00", actual: "1.25", wantRefund: "0.00", wantConsumed: "1.25"},
		{name: "no-show refunds everything", reserved: "1.50", actual: "0", wantRefund: "1.50", wantConsumed: "0.00"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			components := newTestComponents(test)
			studentID := mustStudentID(test, "student-1")
			outcome := mustRecordConsumption(test, components, studentID, "session-1", testCase.reserved, testCase.actual)
			refund, err := components.tracker.ProcessRefund(context.Background(), outcome.Consumption.ID, "reconcile")
			if err != nil {
				test.Fatalf("refund: %v", err)
			}
			if !refund.IsRefunded || !refund.Consumption.IsRefunded {
				test.Fatalf("expected record to be marked refunded")
			}
			assertQuantity(test, "refund", refund.RefundedHours, testCase.wantRefund)
			assertQuantity(test, "consumed", refund.Balance.HoursConsumed, testCase.wantConsumed)
		})
	}
}

func TestRecordConsumptionRejectsDuplicateSession(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	studentID := mustStudentID(test, "student-1")
	mustRecordConsumption(test, components, studentID, "session-1", "1", "1")
	_, err := components.tracker.RecordConsumption(context.Background(), ConsumptionInput{
		StudentID:  studentID,
		SessionRef: mustSessionRef(test, "session-1"),
		Reserved:   mustQuantity(test, "1"),
		Actual:     mustQuantity(test, "1"),
	})
	if !errors.Is(err, ErrDuplicateConsumption) {
		test.Fatalf("expected ErrDuplicateConsumption, got %v", err)
	}
	assertQuantity(test, "consumed", components.store.balance(test, studentID).HoursConsumed, "1.00")
}

func TestRecordConsumptionValidatesInput(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	studentID := mustStudentID(test, "student-1")
	testCases := []struct {
		name    string
		input   ConsumptionInput
		wantErr error
	}{
		{name: "missing session", input: ConsumptionInput{StudentID: studentID, Reserved: mustQuantity(test, "1"), Actual: mustQuantity(test, "1")}, wantErr: ErrInvalidSessionRef},
		{name: "missing student", input: ConsumptionInput{SessionRef: mustSessionRef(test, "s"), Reserved: mustQuantity(test, "1"), Actual: mustQuantity(test, "1")}, wantErr: ErrInvalidStudentID},
		{name: "negative actual", input: ConsumptionInput{StudentID: studentID, SessionRef: mustSessionRef(test, "s"), Reserved: mustQuantity(test, "1"), Actual: mustQuantity(test, "-1")}, wantErr: ErrInvalidOperand},
		{name: "unknown funding transaction", input: ConsumptionInput{StudentID: studentID, SessionRef: mustSessionRef(test, "s"), TransactionID: mustTransactionID(test, "missing"), Reserved: mustQuantity(test, "1"), Actual: mustQuantity(test, "1")}, wantErr: ErrTransactionNotFound},
	}
	for _, testCase := range testCases {
		if _, err := components.tracker.RecordConsumption(context.Background(), testCase.input); !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestRecordConsumptionLinksFundingTransaction(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	studentID := mustStudentID(test, "student-1")
	transaction := mustPackageTransaction(test, components, studentID, "pi_1", "50", "10")
	outcome, err := components.tracker.RecordConsumption(context.Background(), ConsumptionInput{
		StudentID:     studentID,
		SessionRef:    mustSessionRef(test, "session-1"),
		TransactionID: transaction.ID,
		Reserved:      mustQuantity(test, "1"),
		Actual:        mustQuantity(test, "1"),
	})
	if err != nil {
		test.Fatalf("record: %v", err)
	}
	if outcome.Consumption.TransactionID != transaction.ID {
		test.Fatalf("expected funding transaction link")
	}
	_, err = components.tracker.RecordConsumption(context.Background(), ConsumptionInput{
		StudentID:     mustStudentID(test, "student-2"),
		SessionRef:    mustSessionRef(test, "session-2"),
		TransactionID: transaction.ID,
		Reserved:      mustQuantity(test, "1"),
		Actual:        mustQuantity(test, "1"),
	})
	if !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound for foreign transaction, got %v", err)
	}
}

func TestOverConsumptionReportsDeficit(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	studentID := mustStudentID(test, "student-1")
	outcome := mustRecordConsumption(test, components, studentID, "session-1", "1", "1")
	if !outcome.Debit.Deficit {
		test.Fatalf("expected deficit for student without purchased hours")
	}
	entries := components.logger.operations(OperationDeficit)
	if len(entries) != 1 || entries[0].Detail != "session-1" {
		test.Fatalf("expected deficit log tagged with session, got %+v", entries)
	}
}

func TestRefundUnknownConsumption(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	consumptionID, err := NewConsumptionID("missing")
	if err != nil {
		test.Fatalf("consumption id: %v", err)
	}
	if _, err := components.tracker.ProcessRefund(context.Background(), consumptionID, "x"); !errors.Is(err, ErrConsumptionNotFound) {
		test.Fatalf("expected ErrConsumptionNotFound, got %v", err)
	}
}

func TestConsumptionRefundRoundTripRestoresBalance(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	ctx := context.Background()
	studentID := mustStudentID(test, "student-1")
	if _, err := components.ledger.Credit(ctx, studentID, CreditInput{Hours: mustQuantity(test, "20")}); err != nil {
		test.Fatalf("credit: %v", err)
	}
	reservations := []string{"1.00", "1.50", "0.75", "2.00"}
	for index, reserved := range reservations {
		outcome := mustRecordConsumption(test, components, studentID, fmt.Sprintf("session-%d", index), reserved, "0")
		if _, err := components.tracker.ProcessRefund(ctx, outcome.Consumption.ID, "cancelled"); err != nil {
			test.Fatalf("refund: %v", err)
		}
	}
	entry := components.store.balance(test, studentID)
	assertQuantity(test, "consumed", entry.HoursConsumed, "0.00")
	assertQuantity(test, "remaining", entry.HoursRemaining(), "20.00")

	history, err := components.tracker.History(ctx, ConsumptionFilter{StudentID: studentID})
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != len(reservations) {
		test.Fatalf("expected %d history records, got %d", len(reservations), len(history))
	}
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	transactionID, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}

func TestPurchaseSessionRefundSettlesAtActualHours(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	ctx := context.Background()
	studentID := mustStudentID(test, "student-1")
	mustPackageTransaction(test, components, studentID, "pi_1", "120", "10.00")
	if _, err := deliver(test, components, "evt_1", EventPaymentSucceeded, "pi_1"); err != nil {
		test.Fatalf("deliver: %v", err)
	}

	outcome := mustRecordConsumption(test, components, studentID, "session-1", "1.00", "0.75")
	if _, err := components.tracker.ProcessRefund(ctx, outcome.Consumption.ID, "ended early"); err != nil {
		test.Fatalf("refund: %v", err)
	}

	entry := components.store.balance(test, studentID)
	assertQuantity(test, "purchased", entry.HoursPurchased, "10.00")
	assertQuantity(test, "consumed", entry.HoursConsumed, "0.75")
	stored, err := components.tracker.Get(ctx, outcome.Consumption.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if !stored.IsRefunded || stored.RefundReason != "ended early" {
		test.Fatalf("unexpected stored consumption: %+v", stored)
	}
}

func TestConcurrentRefundsAndRedeliveriesApplyOnce(test *testing.T) {
	test.Parallel()
	for seed := int64(1); seed <= 5; seed++ {
		seed := seed
		test.Run(fmt.Sprintf("seed-%d", seed), func(test *testing.T) {
			test.Parallel()
			components := newTestComponents(test)
			ctx := context.Background()
			random := rand.New(rand.NewSource(seed))
			studentID := mustStudentID(test, "student-1")
			mustPackageTransaction(test, components, studentID, "pi_1", "120", "10")

			const (
				sessionCount     = 4
				refundsPerRecord = 4
				redeliveries     = 4
			)
			consumptionIDs := make([]ConsumptionID, 0, sessionCount)
			for index := 0; index < sessionCount; index++ {
				outcome := mustRecordConsumption(test, components, studentID, fmt.Sprintf("session-%d", index), "1.00", "0.75")
				consumptionIDs = append(consumptionIDs, outcome.Consumption.ID)
			}

			type call struct {
				consumption int
				refund      bool
			}
			var calls []call
			for index := range consumptionIDs {
				for attempt := 0; attempt < refundsPerRecord; attempt++ {
					calls = append(calls, call{consumption: index, refund: true})
				}
			}
			for attempt := 0; attempt < redeliveries; attempt++ {
				calls = append(calls, call{})
			}
			random.Shuffle(len(calls), func(left, right int) {
				calls[left], calls[right] = calls[right], calls[left]
			})

			var (
				group     sync.WaitGroup
				mu        sync.Mutex
				succeeded = make([]int, sessionCount)
				refused   = make([]int, sessionCount)
			)
			for _, item := range calls {
				group.Add(1)
				go func(item call) {
					defer group.Done()
					if !item.refund {
						if _, err := deliver(test, components, "evt_1", EventPaymentSucceeded, "pi_1"); err != nil {
							test.Errorf("delivery: %v", err)
						}
						return
					}
					_, err := components.tracker.ProcessRefund(ctx, consumptionIDs[item.consumption], "ended early")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						succeeded[item.consumption]++
					case errors.Is(err, ErrAlreadyRefunded):
						refused[item.consumption]++
					default:
						test.Errorf("refund: %v", err)
					}
				}(item)
			}
			group.Wait()

			for index := range consumptionIDs {
				if succeeded[index] != 1 || refused[index] != refundsPerRecord-1 {
					test.Fatalf("record %d: %d succeeded, %d refused", index, succeeded[index], refused[index])
				}
			}
			refundLogs := 0
			for _, entry := range components.logger.operations(OperationRefund) {
				if entry.Error == nil {
					refundLogs++
				}
			}
			if refundLogs != sessionCount {
				test.Fatalf("expected %d credit-backs, got %d", sessionCount, refundLogs)
			}
			entry := components.store.balance(test, studentID)
			assertQuantity(test, "purchased", entry.HoursPurchased, "10.00")
			assertQuantity(test, "amount", entry.BalanceAmount, "120.00")
			assertQuantity(test, "consumed", entry.HoursConsumed, "3.00")
		})
	}
}
