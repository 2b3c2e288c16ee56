package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cascade step names, in application order.
const (
	CascadeStepAdminFee      = "admin_fee"
	CascadeStepProcessingFee = "processing_fee"
	CascadeStepServiceFee    = "service_fee"
	CascadeStepFinalFee      = "final_fee"
)

// FeeSchedule lists the deductions CascadeRefund applies in order: an admin
// percentage, a fixed processing fee, a service percentage, a final fixed fee.
type FeeSchedule struct {
	AdminFeePercent   decimal.Decimal
	ProcessingFee     Quantity
	ServiceFeePercent decimal.Decimal
	FinalFee          Quantity
}

// CascadeStep is one deduction and the amount left after it.
type CascadeStep struct {
	Name      string
	Deduction Quantity
	Remaining Quantity
}

// CascadeResult is the full breakdown of a cascaded refund.
type CascadeResult struct {
	Original Quantity
	Steps    []CascadeStep
	Final    Quantity
}

// Proration splits a total over units.
type Proration struct {
	PerUnitRate Quantity
	Used        Quantity
	Refund      Quantity
}

// RefundQuote combines a percentage refund with a fee cascade.
type RefundQuote struct {
	Original        Quantity
	Percentage      decimal.Decimal
	AfterPercentage Quantity
	Cascade         CascadeResult
	Refund          Quantity
}

// PercentageRefund returns percentage% of original. percentage must lie in [0, 100].
func PercentageRefund(original Quantity, percentage decimal.Decimal) (Quantity, error) {
	if err := validatePercentage(percentage); err != nil {
		return Quantity{}, err
	}
	if original.IsNegative() {
		return Quantity{}, fmt.Errorf("%w: original amount must not be negative", ErrInvalidOperand)
	}
	return original.Percent(percentage), nil
}

// ProrateRefund computes the unused share of total: the per-unit rate is
// rounded first, then the used amount, and the refund is what remains,
// floored at zero.
func ProrateRefund(total Quantity, totalUnits int64, unitsUsed int64) (Proration, error) {
	if totalUnits <= 0 {
		return Proration{}, fmt.Errorf("%w: total units must be positive", ErrInvalidOperand)
	}
	if unitsUsed < 0 || unitsUsed > totalUnits {
		return Proration{}, fmt.Errorf("%w: units used %d outside [0, %d]", ErrInvalidOperand, unitsUsed, totalUnits)
	}
	if total.IsNegative() {
		return Proration{}, fmt.Errorf("%w: total must not be negative", ErrInvalidOperand)
	}
	rate, err := total.Div(decimal.NewFromInt(totalUnits))
	if err != nil {
		return Proration{}, err
	}
	used := rate.Mul(decimal.NewFromInt(unitsUsed))
	return Proration{
		PerUnitRate: rate,
		Used:        used,
		Refund:      total.Sub(used).Max(ZeroQuantity),
	}, nil
}

// CascadeRefund applies schedule to original, rounding after every step. A
// deduction never takes the remaining amount below zero.
func CascadeRefund(original Quantity, schedule FeeSchedule) (CascadeResult, error) {
	if original.IsNegative() {
		return CascadeResult{}, fmt.Errorf("%w: original amount must not be negative", ErrInvalidOperand)
	}
	if err := validatePercentage(schedule.AdminFeePercent); err != nil {
		return CascadeResult{}, err
	}
	if err := validatePercentage(schedule.ServiceFeePercent); err != nil {
		return CascadeResult{}, err
	}
	if schedule.ProcessingFee.IsNegative() || schedule.FinalFee.IsNegative() {
		return CascadeResult{}, fmt.Errorf("%w: fixed fees must not be negative", ErrInvalidOperand)
	}

	result := CascadeResult{Original: original, Steps: make([]CascadeStep, 0, 4)}
	remaining := original
	deduct := func(name string, deduction Quantity) {
		deduction = deduction.Min(remaining)
		remaining = remaining.Sub(deduction)
		result.Steps = append(result.Steps, CascadeStep{Name: name, Deduction: deduction, Remaining: remaining})
	}
	deduct(CascadeStepAdminFee, remaining.Percent(schedule.AdminFeePercent))
	deduct(CascadeStepProcessingFee, schedule.ProcessingFee)
	deduct(CascadeStepServiceFee, remaining.Percent(schedule.ServiceFeePercent))
	deduct(CascadeStepFinalFee, schedule.FinalFee)
	result.Final = remaining
	return result, nil
}

// QuoteRefund applies percentage first and then the fee cascade.
func QuoteRefund(original Quantity, percentage decimal.Decimal, schedule FeeSchedule) (RefundQuote, error) {
	afterPercentage, err := PercentageRefund(original, percentage)
	if err != nil {
		return RefundQuote{}, err
	}
	cascade, err := CascadeRefund(afterPercentage, schedule)
	if err != nil {
		return RefundQuote{}, err
	}
	return RefundQuote{
		Original:        original,
		Percentage:      percentage,
		AfterPercentage: afterPercentage,
		Cascade:         cascade,
		Refund:          cascade.Final,
	}, nil
}

func validatePercentage(percentage decimal.Decimal) error {
	if percentage.IsNegative() || percentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: percentage %s outside [0, 100]", ErrInvalidOperand, percentage.String())
	}
	return nil
}
