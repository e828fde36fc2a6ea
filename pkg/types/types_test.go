package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSats(t *testing.T) {
	require.Equal(t, 1.5, (OneBTC + OneBTC/2).BTC())
	require.Equal(t, "21.00000001", (21*OneBTC + 1).String())
	require.Equal(t, "0.00000000", Sats(0).String())

	sum, err := OneBTC.Add(1)
	require.NoError(t, err)
	require.Equal(t, OneBTC+1, sum)
	_, err = MaxSats.Add(1)
	require.Error(t, err)

	diff, err := OneBTC.Sub(OneBTC)
	require.NoError(t, err)
	require.Zero(t, diff)
	_, err = Sats(1).Sub(2)
	require.True(t, errors.Is(err, ErrSupplyUnderflow))
}

func TestSupplyState(t *testing.T) {
	s := NewSupply(OneBTC)
	require.Equal(t, SupplyState{UTXOCount: 1, Value: OneBTC}, s)
	require.False(t, s.IsZero())

	s.Add(NewSupply(2 * OneBTC))
	require.Equal(t, SupplyState{UTXOCount: 2, Value: 3 * OneBTC}, s)

	require.NoError(t, s.Sub(SupplyState{UTXOCount: 2, Value: 3 * OneBTC}))
	require.True(t, s.IsZero())

	err := s.Sub(NewSupply(1))
	require.ErrorIs(t, err, ErrSupplyUnderflow)
}

func TestDollars(t *testing.T) {
	require.Equal(t, Cents(1234), Dollars(12.344).ToCents())
	require.Equal(t, Cents(1235), Dollars(12.345001).ToCents())
	require.Zero(t, Dollars(-3).ToCents())
	require.Equal(t, Dollars(12.34), Cents(1234).Dollars())

	require.Equal(t, Dollars(50), Dollars(100).Value(OneBTC/2))
	require.Equal(t, Dollars(25), Cents(5000).Value(OneBTC/2))
}

func TestDollarsSettle(t *testing.T) {
	v, err := Dollars(5).Settle(100)
	require.NoError(t, err)
	require.Equal(t, Dollars(5), v)

	v, err = Dollars(-1e-9).Settle(100)
	require.NoError(t, err)
	require.Zero(t, v)

	// Tolerance scales with the amounts involved.
	v, err = Dollars(-5).Settle(1e10)
	require.NoError(t, err)
	require.Zero(t, v)

	_, err = Dollars(-0.5).Settle(100)
	require.ErrorIs(t, err, ErrNegativeValue)

	v, err = Dollars(0.001).SettleZero(1)
	require.NoError(t, err)
	require.Zero(t, v)
	_, err = Dollars(3).SettleZero(100)
	require.ErrorIs(t, err, ErrNegativeValue)
}

func TestDateIndex(t *testing.T) {
	require.Zero(t, DateIndexOf(0))
	require.Zero(t, DateIndexOf(1_231_006_505))
	require.Equal(t, DateIndex(1), DateIndexOf(uint64(Genesis.Unix())+86_400))
	require.Equal(t, DateIndex(1), DateIndexOf(1_231_006_505+86_400))

	d := DateIndexOf(uint64(time.Date(2017, time.December, 17, 12, 0, 0, 0, time.UTC).Unix()))
	require.Equal(t, time.Date(2017, time.December, 17, 0, 0, 0, 0, time.UTC), d.Time())
}

func TestDaysBetween(t *testing.T) {
	require.Zero(t, DaysBetween(100, 100))
	require.Zero(t, DaysBetween(200, 100))
	require.Equal(t, uint64(1), DaysBetween(0, 86_400*2-1))
}

func TestStamp(t *testing.T) {
	require.Equal(t, Stamp(1), StampAfter(0))
	require.Equal(t, uint64(10), StampAfter(9).Height())
}

func TestOutputType(t *testing.T) {
	require.Len(t, OutputTypes, NumOutputTypes)
	for _, typ := range OutputTypes {
		require.True(t, typ.Valid())
		parsed, err := ParseOutputType(typ.String())
		require.NoError(t, err)
		require.Equal(t, typ, parsed)
	}
	require.False(t, OutputType(200).Valid())
	require.Equal(t, "type(200)", OutputType(200).String())
	_, err := ParseOutputType("p2xyz")
	require.Error(t, err)

	require.False(t, OpReturn.IsSpendable())
	require.True(t, P2MS.IsSpendable())
	require.False(t, P2MS.HasAddress())
	for _, typ := range AddressTypes {
		require.True(t, typ.HasAddress(), typ.String())
	}
}
