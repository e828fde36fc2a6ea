package types

import (
	"errors"
	"fmt"
	"math"
)

// ErrNegativeValue is returned when a dollar total that cannot go below
// zero does so by more than float rounding.
var ErrNegativeValue = errors.New("negative dollar value")

// Rounding allowed on dollar totals: one cent, or 1e-9 of the amounts
// involved when that is larger.
const (
	minRounding      = 0.01
	relativeRounding = 1e-9
)

// Dollars is a USD value. Realized and unrealized values are floating
// point; price buckets use Cents.
type Dollars float64

// Cents is a price rounded to the cent, used as the cost basis bucket key.
type Cents uint64

// ToCents rounds a price to the nearest cent. Negative prices map to 0.
func (d Dollars) ToCents() Cents {
	if d <= 0 {
		return 0
	}
	return Cents(math.Round(float64(d) * 100))
}

// Dollars converts a bucket back to a price.
func (c Cents) Dollars() Dollars {
	return Dollars(float64(c) / 100)
}

// Value returns the dollar value of an amount at price d.
func (d Dollars) Value(s Sats) Dollars {
	return Dollars(s.BTC() * float64(d))
}

// Value returns the dollar value of an amount at this bucket's price.
func (c Cents) Value(s Sats) Dollars {
	return c.Dollars().Value(s)
}

func rounding(scale Dollars) Dollars {
	return max(minRounding, Dollars(math.Abs(float64(scale))*relativeRounding))
}

// Settle returns d, or 0 when d is negative only through rounding on
// amounts of size scale.
func (d Dollars) Settle(scale Dollars) (Dollars, error) {
	switch {
	case d >= 0:
		return d, nil
	case -d <= rounding(scale):
		return 0, nil
	default:
		return d, fmt.Errorf("%w: %f", ErrNegativeValue, float64(d))
	}
}

// SettleZero returns 0 when d, which should be zero, is off only through
// rounding on amounts of size scale.
func (d Dollars) SettleZero(scale Dollars) (Dollars, error) {
	if Dollars(math.Abs(float64(d))) <= rounding(scale) {
		return 0, nil
	}
	return d, fmt.Errorf("%w: %f left on a zero balance", ErrNegativeValue, float64(d))
}
