// Package fixed implements scaled-integer decimal arithmetic for all
// monetary quantities in the engine. No float64 for money, ever.
//
// Each quantity class has a fixed scale:
//
//	price        ×1e9
//	token amount ×1e9
//	fee rate     ×1e4
//	market weight ×1e4
//	leverage     ×1e4
//
// Products are rescaled back to the operand's native scale by integer
// division truncating toward zero. Every operation detects int64
// overflow and returns ErrOverflow instead of wrapping. External
// decimal inputs are converted to scaled integers exactly once at the
// boundary (FromDecimal).
package fixed

import (
	"errors"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Scales for each quantity class.
const (
	PriceScale    int64 = 1_000_000_000
	AmountScale   int64 = 1_000_000_000
	FeeScale      int64 = 10_000
	WeightScale   int64 = 10_000
	LeverageScale int64 = 10_000
)

// PriceDecimals is the number of decimal places in a price/amount value.
const PriceDecimals int32 = 9

// ErrOverflow is returned when a result does not fit in int64.
var ErrOverflow = errors.New("fixed: overflow")

// Add returns a+b, failing on int64 overflow.
func Add(a, b int64) (int64, error) {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing on int64 overflow.
func Sub(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		if a >= 0 {
			return 0, ErrOverflow
		}
		return a - b, nil
	}
	return Add(a, -b)
}

// Abs returns |a|, failing for MinInt64 whose magnitude is unrepresentable.
func Abs(a int64) (int64, error) {
	if a == math.MinInt64 {
		return 0, ErrOverflow
	}
	if a < 0 {
		return -a, nil
	}
	return a, nil
}

// MulDiv returns a*b/den with a full 128-bit intermediate product and
// truncation toward zero. den must be positive. Fails with ErrOverflow
// when the quotient does not fit in int64.
func MulDiv(a, b, den int64) (int64, error) {
	if den <= 0 {
		return 0, ErrOverflow
	}

	neg := (a < 0) != (b < 0)
	ua := magnitude(a)
	ub := magnitude(b)
	uden := uint64(den)

	hi, lo := bits.Mul64(ua, ub)
	if hi >= uden {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uden)

	if neg {
		if q > uint64(math.MaxInt64)+1 {
			return 0, ErrOverflow
		}
		if q == uint64(math.MaxInt64)+1 {
			return math.MinInt64, nil
		}
		return -int64(q), nil
	}
	if q > uint64(math.MaxInt64) {
		return 0, ErrOverflow
	}
	return int64(q), nil
}

// magnitude returns |a| as uint64; correct for MinInt64 as well.
func magnitude(a int64) uint64 {
	if a < 0 {
		return uint64(-a)
	}
	return uint64(a)
}

// MulPrice multiplies a price-or-amount scaled value by another,
// rescaling the product back to the ×1e9 scale.
func MulPrice(a, b int64) (int64, error) {
	return MulDiv(a, b, PriceScale)
}

// ApplyRate applies a ×1e4-scaled rate (fee, weight) to a value.
func ApplyRate(value, rate int64) (int64, error) {
	return MulDiv(value, rate, FeeScale)
}

// DivLeverage divides a value by a ×1e4-scaled leverage multiplier.
func DivLeverage(value, leverage int64) (int64, error) {
	if leverage <= 0 {
		return 0, ErrOverflow
	}
	return MulDiv(value, LeverageScale, leverage)
}

// FromDecimal converts an external decimal input to a scaled integer,
// truncating excess fractional digits toward zero.
func FromDecimal(d decimal.Decimal, scale int64) (int64, error) {
	scaled := d.Mul(decimal.NewFromInt(scale)).Truncate(0)
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return bi.Int64(), nil
}

// ToDecimal renders a scaled integer back as a decimal for API output.
func ToDecimal(v, scale int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(decimal.NewFromInt(scale))
}

// Rescale normalizes a raw token quantity carrying assetDecimals
// fractional digits to the engine's ×1e9 amount scale.
func Rescale(raw int64, assetDecimals uint8) (int64, error) {
	if int32(assetDecimals) > PriceDecimals {
		return 0, ErrOverflow
	}
	factor := int64(1)
	for i := int32(assetDecimals); i < PriceDecimals; i++ {
		factor *= 10
	}
	return MulDiv(raw, factor, 1)
}
