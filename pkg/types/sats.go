package types

import (
	"fmt"
	"math"
)

// Sats is an amount in satoshis.
type Sats uint64

const (
	// OneBTC is the number of satoshis in one bitcoin.
	OneBTC Sats = 100_000_000
	// MaxSats is the largest representable amount.
	MaxSats Sats = math.MaxUint64
)

// BTC returns the amount as a floating point bitcoin value.
func (s Sats) BTC() float64 {
	return float64(s) / float64(OneBTC)
}

// Add returns s + o, failing on overflow.
func (s Sats) Add(o Sats) (Sats, error) {
	if s > MaxSats-o {
		return 0, fmt.Errorf("sats overflow: %d + %d", s, o)
	}
	return s + o, nil
}

// Sub returns s - o, failing when o > s.
func (s Sats) Sub(o Sats) (Sats, error) {
	if o > s {
		return 0, fmt.Errorf("%w: %d - %d", ErrSupplyUnderflow, s, o)
	}
	return s - o, nil
}

// String formats the amount as BTC with full precision.
func (s Sats) String() string {
	return fmt.Sprintf("%d.%08d", uint64(s/OneBTC), uint64(s%OneBTC))
}
