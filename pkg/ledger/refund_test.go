package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCascadeRefundAppliesFeesInOrder(test *testing.T) {
	test.Parallel()
	result, err := CascadeRefund(mustQuantity(test, "299.777"), FeeSchedule{
		AdminFeePercent:   decimal.NewFromInt(5),
		ProcessingFee:     mustQuantity(test, "15.555"),
		ServiceFeePercent: decimal.NewFromInt(2),
		FinalFee:          mustQuantity(test, "8.888"),
	})
	if err != nil {
		test.Fatalf("cascade: %v", err)
	}
	assertQuantity(test, "final", result.Final, "254.96")
	expected := []struct {
		name      string
		deduction string
		remaining string
	}{
		{name: CascadeStepAdminFee, deduction: "14.99", remaining: "284.79"},
		{name: CascadeStepProcessingFee, deduction: "15.56", remaining: "269.23"},
		{name: CascadeStepServiceFee, deduction: "5.38", remaining: "263.85"},
		{name: CascadeStepFinalFee, deduction: "8.89", remaining: "254.96"},
	}
	if len(result.Steps) != len(expected) {
		test.Fatalf("expected %d steps, got %d", len(expected), len(result.Steps))
	}
	for index, step := range result.Steps {
		if step.Name != expected[index].name {
			test.Fatalf("step %d: expected %s, got %s", index, expected[index].name, step.Name)
		}
		assertQuantity(test, step.Name+" deduction", step.Deduction, expected[index].deduction)
		assertQuantity(test, step.Name+" remaining", step.Remaining, expected[index].remaining)
	}
}

func TestCascadeRefundNeverGoesNegative(test *testing.T) {
	test.Parallel()
	result, err := CascadeRefund(mustQuantity(test, "10"), FeeSchedule{ProcessingFee: mustQuantity(test, "15"), FinalFee: mustQuantity(test, "1")})
	if err != nil {
		test.Fatalf("cascade: %v", err)
	}
	assertQuantity(test, "final", result.Final, "0.00")
	assertQuantity(test, "capped deduction", result.Steps[1].Deduction, "10.00")
	assertQuantity(test, "final fee on empty remainder", result.Steps[3].Deduction, "0.00")
}

func TestProrateRefund(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		total      string
		units      int64
		used       int64
		wantRate   string
		wantUsed   string
		wantRefund string
	}{
		{name: "thirds", total: "100", units: 3, used: 1, wantRate: "33.33", wantUsed: "33.33", wantRefund: "66.67"},
		{name: "nothing used", total: "100", units: 4, used: 0, wantRate: "25.00", wantUsed: "0.00", wantRefund: "100.00"},
		{name: "all used leaves rounding remainder", total: "100", units: 3, used: 3, wantRate: "33.33", wantUsed: "99.99", wantRefund: "0.01"},
		{name: "rounding overshoot floors at zero", total: "0.05", units: 3, used: 3, wantRate: "0.02", wantUsed: "0.06", wantRefund: "0.00"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			proration, err := ProrateRefund(mustQuantity(test, testCase.total), testCase.units, testCase.used)
			if err != nil {
				test.Fatalf("prorate: %v", err)
			}
			assertQuantity(test, "rate", proration.PerUnitRate, testCase.wantRate)
			assertQuantity(test, "used", proration.Used, testCase.wantUsed)
			assertQuantity(test, "refund", proration.Refund, testCase.wantRefund)
		})
	}
}

func TestRefundCalculatorsRejectInvalidOperands(test *testing.T) {
	test.Parallel()
	hundredQuantity := mustQuantity(test, "100")
	if _, err := PercentageRefund(hundredQuantity, decimal.NewFromInt(101)); !errors.Is(err, ErrInvalidOperand) {
		test.Fatalf("expected ErrInvalidOperand for 101%%, got %v", err)
	}
	if _, err := PercentageRefund(hundredQuantity, decimal.NewFromInt(-1)); !errors.Is(err, ErrInvalidOperand) {
		test.Fatalf("expected ErrInvalidOperand for -1%%, got %v", err)
	}
	if _, err := ProrateRefund(hundredQuantity, 0, 0); !errors.Is(err, ErrInvalidOperand) {
		test.Fatalf("expected ErrInvalidOperand for zero units, got %v", err)
	}
	if _, err := ProrateRefund(hundredQuantity, 3, 4); !errors.Is(err, ErrInvalidOperand) {
		test.Fatalf("expected ErrInvalidOperand for overuse, got %v", err)
	}
	if _, err := CascadeRefund(hundredQuantity, FeeSchedule{AdminFeePercent: decimal.NewFromInt(150)}); !errors.Is(err, ErrInvalidOperand) {
		test.Fatalf("expected ErrInvalidOperand for 150%% fee, got %v", err)
	}
	if _, err := CascadeRefund(hundredQuantity, FeeSchedule{FinalFee: mustQuantity(test, "-1")}); !errors.Is(err, ErrInvalidOperand) {
		test.Fatalf("expected ErrInvalidOperand for negative fee, got %v", err)
	}
}

func TestQuoteRefundCombinesPercentageAndCascade(test *testing.T) {
	test.Parallel()
	quote, err := QuoteRefund(mustQuantity(test, "200"), decimal.NewFromInt(50), FeeSchedule{ProcessingFee: mustQuantity(test, "2.50")})
	if err != nil {
		test.Fatalf("quote: %v", err)
	}
	assertQuantity(test, "after percentage", quote.AfterPercentage, "100.00")
	assertQuantity(test, "refund", quote.Refund, "97.50")
	full, err := PercentageRefund(mustQuantity(test, "107.555"), decimal.NewFromInt(100))
	if err != nil {
		test.Fatalf("percentage: %v", err)
	}
	assertQuantity(test, "full refund", full, "107.56")
}
