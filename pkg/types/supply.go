package types

import (
	"errors"
	"fmt"
)

// ErrSupplyUnderflow is returned when a subtraction would make a supply
// negative. It always indicates corrupted state or an upstream bug.
var ErrSupplyUnderflow = errors.New("supply underflow")

// SupplyState is a UTXO count and the value those UTXOs hold.
type SupplyState struct {
	UTXOCount uint64 `json:"utxo_count"`
	Value     Sats   `json:"value"`
}

// NewSupply returns a supply of a single output.
func NewSupply(value Sats) SupplyState {
	return SupplyState{UTXOCount: 1, Value: value}
}

// IsZero reports whether the supply holds nothing.
func (s SupplyState) IsZero() bool {
	return s.UTXOCount == 0 && s.Value == 0
}

// Add accumulates o into s.
func (s *SupplyState) Add(o SupplyState) {
	s.UTXOCount += o.UTXOCount
	s.Value += o.Value
}

// Sub removes o from s. s is left unchanged on underflow.
func (s *SupplyState) Sub(o SupplyState) error {
	if o.UTXOCount > s.UTXOCount || o.Value > s.Value {
		return fmt.Errorf("%w: have %d utxos / %d sats, removing %d / %d",
			ErrSupplyUnderflow, s.UTXOCount, s.Value, o.UTXOCount, o.Value)
	}
	s.UTXOCount -= o.UTXOCount
	s.Value -= o.Value
	return nil
}
