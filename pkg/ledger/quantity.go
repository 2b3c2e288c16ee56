package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of fractional digits every stored amount carries.
const QuantityScale = 2

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// Quantity is a fixed-scale decimal used for both currency and hours.
// Every constructor and operator rounds half-up to QuantityScale digits, so a
// Quantity never carries more precision than the ledger stores.
type Quantity struct {
	value decimal.Decimal
}

// ZeroQuantity is 0.00.
var ZeroQuantity = Quantity{value: decimal.Zero}

// NewQuantity rounds an arbitrary decimal to the ledger scale.
func NewQuantity(value decimal.Decimal) Quantity {
	return Quantity{value: roundHalfUp(value)}
}

// ParseQuantity parses a decimal string such as "107.555" and rounds it.
func ParseQuantity(raw string) (Quantity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Quantity{}, fmt.Errorf("%w: empty quantity", ErrInvalidOperand)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidOperand, raw)
	}
	quantity := NewQuantity(parsed)
	if !quantity.InRange() {
		return Quantity{}, fmt.Errorf("%w: %q exceeds the storable range", ErrInvalidOperand, raw)
	}
	return quantity, nil
}

// MustParseQuantity is ParseQuantity for constants; it panics on malformed input.
func MustParseQuantity(raw string) Quantity {
	quantity, err := ParseQuantity(raw)
	if err != nil {
		panic(err)
	}
	return quantity
}

// QuantityFromCents builds a Quantity from its integer hundredths.
func QuantityFromCents(cents int64) Quantity {
	return Quantity{value: decimal.New(cents, -QuantityScale)}
}

// InRange reports whether the value fits the persisted int64 hundredths.
func (quantity Quantity) InRange() bool {
	cents := quantity.value.Shift(QuantityScale)
	return cents.Cmp(maxCents) <= 0 && cents.Cmp(minCents) >= 0
}

// Cents returns the value in integer hundredths, the persisted representation.
// Only meaningful when InRange holds.
func (quantity Quantity) Cents() int64 {
	return quantity.value.Shift(QuantityScale).IntPart()
}

// Decimal exposes the rounded decimal value.
func (quantity Quantity) Decimal() decimal.Decimal {
	return quantity.value
}

// String renders the value with exactly two fractional digits.
func (quantity Quantity) String() string {
	return quantity.value.StringFixed(QuantityScale)
}

// Add returns quantity + other.
func (quantity Quantity) Add(other Quantity) Quantity {
	return NewQuantity(quantity.value.Add(other.value))
}

// Sub returns quantity - other.
func (quantity Quantity) Sub(other Quantity) Quantity {
	return NewQuantity(quantity.value.Sub(other.value))
}

// Mul returns quantity × factor, rounded.
func (quantity Quantity) Mul(factor decimal.Decimal) Quantity {
	return NewQuantity(quantity.value.Mul(factor))
}

// MulQuantity returns quantity × other, rounded.
func (quantity Quantity) MulQuantity(other Quantity) Quantity {
	return quantity.Mul(other.value)
}

// Div returns quantity ÷ divisor, rounded. Non-positive divisors are rejected.
func (quantity Quantity) Div(divisor decimal.Decimal) (Quantity, error) {
	if !divisor.IsPositive() {
		return Quantity{}, fmt.Errorf("%w: divisor %s must be positive", ErrInvalidOperand, divisor.String())
	}
	return NewQuantity(quantity.value.Div(divisor)), nil
}

// Percent returns percentage% of quantity, rounded.
func (quantity Quantity) Percent(percentage decimal.Decimal) Quantity {
	return NewQuantity(quantity.value.Mul(percentage).Div(hundred))
}

// Neg returns -quantity.
func (quantity Quantity) Neg() Quantity {
	return Quantity{value: quantity.value.Neg()}
}

// Cmp compares the rounded representations.
func (quantity Quantity) Cmp(other Quantity) int {
	return quantity.value.Cmp(other.value)
}

// Equal reports whether both values round to the same hundredths.
func (quantity Quantity) Equal(other Quantity) bool {
	return quantity.Cmp(other) == 0
}

func (quantity Quantity) LessThan(other Quantity) bool    { return quantity.Cmp(other) < 0 }
func (quantity Quantity) GreaterThan(other Quantity) bool { return quantity.Cmp(other) > 0 }
func (quantity Quantity) IsZero() bool                    { return quantity.value.IsZero() }
func (quantity Quantity) IsNegative() bool                { return quantity.value.IsNegative() }
func (quantity Quantity) IsPositive() bool                { return quantity.value.IsPositive() }

// Max returns the larger of the two values.
func (quantity Quantity) Max(other Quantity) Quantity {
	if quantity.LessThan(other) {
		return other
	}
	return quantity
}

// Min returns the smaller of the two values.
func (quantity Quantity) Min(other Quantity) Quantity {
	if quantity.GreaterThan(other) {
		return other
	}
	return quantity
}

// MarshalJSON encodes the value as a fixed two-digit string.
func (quantity Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(quantity.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (quantity *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*quantity = ZeroQuantity
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := ParseQuantity(raw)
	if err != nil {
		return err
	}
	*quantity = parsed
	return nil
}

// NonNegativeQuantity parses raw and rejects negative values.
func NonNegativeQuantity(raw string) (Quantity, error) {
	quantity, err := ParseQuantity(raw)
	if err != nil {
		return Quantity{}, err
	}
	if quantity.IsNegative() {
		return Quantity{}, fmt.Errorf("%w: %s must not be negative", ErrInvalidOperand, quantity.String())
	}
	return quantity, nil
}

// roundHalfUp rounds to QuantityScale digits; ties move away from zero, which
// is half-up for the non-negative amounts the ledger stores.
func roundHalfUp(value decimal.Decimal) decimal.Decimal {
	return value.Round(QuantityScale)
}
