package ledger

import (
	"context"
	"testing"
)

func TestLedgerLogsCreditOperation(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	studentID := mustStudentID(test, "student-1")
	if _, err := components.ledger.Credit(context.Background(), studentID, CreditInput{Hours: mustQuantity(test, "5"), Amount: mustQuantity(test, "50")}); err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	entries := components.logger.operations(OperationCredit)
	if len(entries) != 1 {
		test.Fatalf("expected one credit log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.StudentID != studentID || entry.Hours.String() != "5.00" || entry.Amount.String() != "50.00" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != OperationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestLedgerLogsErrorStatus(test *testing.T) {
	test.Parallel()
	components := newTestComponents(test)
	components.store.failOn(failSaveBalance, errStoreFailure)
	studentID := mustStudentID(test, "student-1")
	if _, err := components.ledger.Credit(context.Background(), studentID, CreditInput{Hours: mustQuantity(test, "1")}); err == nil {
		test.Fatalf("expected error")
	}
	entries := components.logger.operations(OperationCredit)
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Status != OperationStatusError || entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", entries[0])
	}
}

func TestMultiLoggerFansOut(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	MultiLogger{first, nil, second}.LogOperation(context.Background(), OperationLog{Operation: OperationDeficit})
	if len(first.entries) != 1 || len(second.entries) != 1 {
		test.Fatalf("expected both loggers to receive the entry, got %d and %d", len(first.entries), len(second.entries))
	}
}
