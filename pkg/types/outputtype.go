package types

import "fmt"

// OutputType classifies an output script.
type OutputType uint8

const (
	P2PK65 OutputType = iota
	P2PK33
	P2PKH
	P2MS
	P2SH
	OpReturn
	P2WPKH
	P2WSH
	P2TR
	P2A
	Empty
	Unknown
)

// NumOutputTypes is the number of output types.
const NumOutputTypes = int(Unknown) + 1

// OutputTypes lists every output type in encoding order.
var OutputTypes = func() []OutputType {
	out := make([]OutputType, NumOutputTypes)
	for i := range out {
		out[i] = OutputType(i)
	}
	return out
}()

// AddressTypes lists the output types that carry an address.
var AddressTypes = []OutputType{P2PK65, P2PK33, P2PKH, P2SH, P2WPKH, P2WSH, P2TR, P2A}

var outputTypeNames = [...]string{
	P2PK65:   "p2pk65",
	P2PK33:   "p2pk33",
	P2PKH:    "p2pkh",
	P2MS:     "p2ms",
	P2SH:     "p2sh",
	OpReturn: "opreturn",
	P2WPKH:   "p2wpkh",
	P2WSH:    "p2wsh",
	P2TR:     "p2tr",
	P2A:      "p2a",
	Empty:    "empty",
	Unknown:  "unknown",
}

// String returns the lowercase type name used in series names.
func (t OutputType) String() string {
	if int(t) < NumOutputTypes {
		return outputTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t OutputType) Valid() bool {
	return int(t) < NumOutputTypes
}

// IsSpendable reports whether outputs of this type count toward the
// circulating supply.
func (t OutputType) IsSpendable() bool {
	return t != OpReturn
}

// HasAddress reports whether outputs of this type are tracked per address.
func (t OutputType) HasAddress() bool {
	switch t {
	case P2PK65, P2PK33, P2PKH, P2SH, P2WPKH, P2WSH, P2TR, P2A:
		return true
	}
	return false
}

// ParseOutputType returns the type with the given name.
func ParseOutputType(s string) (OutputType, error) {
	for i, n := range outputTypeNames {
		if n == s {
			return OutputType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown output type %q", s)
}
