package registry

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// LoadedAddressData is an address that currently holds at least one UTXO.
type LoadedAddressData struct {
	Received    types.Sats
	Sent        types.Sats
	RealizedCap types.Dollars
	UTXOCount   uint32
}

// EmptyAddressData is an address that held coins and now holds none.
type EmptyAddressData struct {
	Transferred types.Sats
}

// FromEmpty revives an empty address. Received and sent both start at the
// amount it transferred before, so the balance is zero.
func FromEmpty(e EmptyAddressData) LoadedAddressData {
	return LoadedAddressData{Received: e.Transferred, Sent: e.Transferred}
}

// ToEmpty returns the record kept once the address holds nothing.
func (d LoadedAddressData) ToEmpty() EmptyAddressData {
	return EmptyAddressData{Transferred: d.Received}
}

// Balance returns received minus sent.
func (d LoadedAddressData) Balance() types.Sats {
	return d.Received - d.Sent
}

// Supply returns the address's UTXO count and balance.
func (d LoadedAddressData) Supply() types.SupplyState {
	return types.SupplyState{UTXOCount: uint64(d.UTXOCount), Value: d.Balance()}
}

// AvgPrice is the realized cap per bitcoin held.
func (d LoadedAddressData) AvgPrice() types.Dollars {
	b := d.Balance()
	if b == 0 {
		return 0
	}
	return types.Dollars(float64(d.RealizedCap) / b.BTC())
}

// Receive credits one output of value v acquired at price.
func (d *LoadedAddressData) Receive(v types.Sats, price types.Dollars) {
	d.Received += v
	d.UTXOCount++
	d.RealizedCap += price.Value(v)
}

// Send debits one output of value v acquired at originPrice.
func (d *LoadedAddressData) Send(v types.Sats, originPrice types.Dollars) error {
	if d.UTXOCount == 0 || v > d.Balance() {
		return fmt.Errorf("%w: address balance %d, %d utxos, sending %d",
			types.ErrSupplyUnderflow, d.Balance(), d.UTXOCount, v)
	}
	rc := d.RealizedCap - originPrice.Value(v)
	var err error
	if d.Balance() == v {
		rc, err = rc.SettleZero(d.RealizedCap)
	} else {
		rc, err = rc.Settle(d.RealizedCap)
	}
	if err != nil {
		return fmt.Errorf("address realized cap: %w", err)
	}
	d.Sent += v
	d.UTXOCount--
	d.RealizedCap = rc
	return nil
}

// AnyAddressIndex locates an address record in either the loaded or the
// empty store. The top bit tags empty-store indices.
type AnyAddressIndex uint64

const emptyTag = uint64(1) << 63

// Loaded returns the index of slot i in the loaded store.
func Loaded(i uint64) AnyAddressIndex { return AnyAddressIndex(i) }

// Empty returns the index of slot j in the empty store.
func Empty(j uint64) AnyAddressIndex { return AnyAddressIndex(j | emptyTag) }

// IsEmpty reports whether the index points into the empty store.
func (a AnyAddressIndex) IsEmpty() bool { return uint64(a)&emptyTag != 0 }

// Index returns the slot within its store.
func (a AnyAddressIndex) Index() uint64 { return uint64(a) &^ emptyTag }

func (a AnyAddressIndex) String() string {
	if a.IsEmpty() {
		return fmt.Sprintf("empty(%d)", a.Index())
	}
	return fmt.Sprintf("loaded(%d)", a.Index())
}

type loadedCodec struct{}

func (loadedCodec) Encode(d LoadedAddressData) []byte {
	b := make([]byte, 28)
	binary.BigEndian.PutUint64(b[0:], uint64(d.Received))
	binary.BigEndian.PutUint64(b[8:], uint64(d.Sent))
	binary.BigEndian.PutUint64(b[16:], math.Float64bits(float64(d.RealizedCap)))
	binary.BigEndian.PutUint32(b[24:], d.UTXOCount)
	return b
}

func (loadedCodec) Decode(b []byte) (LoadedAddressData, error) {
	if len(b) != 28 {
		return LoadedAddressData{}, fmt.Errorf("loaded address codec: want 28 bytes, got %d", len(b))
	}
	return LoadedAddressData{
		Received:    types.Sats(binary.BigEndian.Uint64(b[0:])),
		Sent:        types.Sats(binary.BigEndian.Uint64(b[8:])),
		RealizedCap: types.Dollars(math.Float64frombits(binary.BigEndian.Uint64(b[16:]))),
		UTXOCount:   binary.BigEndian.Uint32(b[24:]),
	}, nil
}

type emptyCodec struct{}

func (emptyCodec) Encode(d EmptyAddressData) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(d.Transferred))
	return b
}

func (emptyCodec) Decode(b []byte) (EmptyAddressData, error) {
	if len(b) != 8 {
		return EmptyAddressData{}, fmt.Errorf("empty address codec: want 8 bytes, got %d", len(b))
	}
	return EmptyAddressData{Transferred: types.Sats(binary.BigEndian.Uint64(b))}, nil
}
