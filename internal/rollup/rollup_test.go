package rollup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// fixture pushes three heights: 1 BTC bought at $10, 1 BTC bought at $20,
// then the first coin sold at $30.
func fixture(t *testing.T) (storage.DB, *cohort.Set) {
	t.Helper()
	db := storage.NewMemory()
	set, err := cohort.OpenSet(db, true, 3, 2)
	require.NoError(t, err)

	push := func(h uint64) {
		require.NoError(t, set.Parallel(func(l *cohort.Ledger) error { return l.ForcedPushAt(h) }))
	}
	var first, second cohort.Transacted
	first.Add(types.OneBTC, types.P2PKH)
	second.Add(types.OneBTC, types.P2WPKH)

	set.ResetFlows()
	set.ReceiveUTXO(&first, 0, 10)
	push(0)
	set.ResetFlows()
	set.ReceiveUTXO(&second, 0, 20)
	push(1)
	set.ResetFlows()
	age := cohort.Age{Blocks: 2, OlderThanHour: true}
	require.NoError(t, set.SendUTXO(&first, age, 0, 30, 10))
	push(2)
	return db, set
}

func values(t *testing.T, l *Layer, ledger, metric string) []float64 {
	t.Helper()
	v, ok := l.Series(ledger, metric)
	require.True(t, ok, "%s/%s", ledger, metric)
	out, err := v.Collect(0, v.Len())
	require.NoError(t, err)
	return out
}

func TestLayer_Compute(t *testing.T) {
	db, set := fixture(t)
	l, err := Open(db, set, 4)
	require.NoError(t, err)
	require.NoError(t, l.Compute(context.Background(), 3))

	require.Equal(t, []float64{100, 50, 0}, values(t, l, "utxo/type/p2pkh", SupplyRelToCirculating))
	require.Equal(t, []float64{0, 100, 100}, values(t, l, "utxo/type/p2wpkh", SupplyRelToCirculating))

	price := values(t, l, CirculatingLedger, RealizedPrice)
	require.InDeltaSlice(t, []float64{10, 15, 20}, price, 1e-9)

	require.InDeltaSlice(t, []float64{0, 0, 20}, values(t, l, CirculatingLedger, CumulativeRealizedProfit), 1e-9)
	require.InDeltaSlice(t, []float64{0, 0, 0}, values(t, l, CirculatingLedger, CumulativeRealizedLoss), 1e-9)
	require.InDeltaSlice(t, []float64{0, 0, 20}, values(t, l, CirculatingLedger, NetRealizedPnL), 1e-9)
}

func TestLayer_Incremental(t *testing.T) {
	db, set := fixture(t)
	l, err := Open(db, set, 4)
	require.NoError(t, err)
	require.NoError(t, l.Compute(context.Background(), 2))
	require.Len(t, values(t, l, CirculatingLedger, CumulativeRealizedProfit), 2)

	require.NoError(t, l.Compute(context.Background(), 3))
	require.NoError(t, set.Parallel(func(led *cohort.Ledger) error {
		led.ResetFlows()
		return led.ForcedPushAt(3)
	}))
	require.NoError(t, l.Compute(context.Background(), 4))
	cum := values(t, l, CirculatingLedger, CumulativeRealizedProfit)
	require.InDeltaSlice(t, []float64{0, 0, 20, 20}, cum, 1e-9)

	// Reopening sees the flushed values.
	again, err := Open(db, set, 1)
	require.NoError(t, err)
	require.InDeltaSlice(t, cum, values(t, again, CirculatingLedger, CumulativeRealizedProfit), 1e-9)
}

func TestLayer_RollbackAndReset(t *testing.T) {
	db, set := fixture(t)
	l, err := Open(db, set, 2)
	require.NoError(t, err)
	require.NoError(t, l.Compute(context.Background(), 2))
	require.NoError(t, l.Compute(context.Background(), 3))

	require.NoError(t, l.RollbackBefore(types.Stamp(2)))
	v, _ := l.Series(CirculatingLedger, RealizedPrice)
	require.Equal(t, uint64(2), v.Len())
	require.Equal(t, types.Stamp(2), v.Stamp())

	require.NoError(t, l.Compute(context.Background(), 3))
	require.InDeltaSlice(t, []float64{10, 15, 20}, values(t, l, CirculatingLedger, RealizedPrice), 1e-9)

	require.NoError(t, l.Reset())
	require.Zero(t, v.Len())
	require.NoError(t, l.Compute(context.Background(), 3))
	require.Equal(t, uint64(3), v.Len())
}

func TestLayer_Canceled(t *testing.T) {
	db, set := fixture(t)
	l, err := Open(db, set, 2)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Compute(ctx, 3), context.Canceled)
}

func TestLayer_Unpriced(t *testing.T) {
	set, err := cohort.OpenSet(storage.NewMemory(), false, 3, 2)
	require.NoError(t, err)
	l, err := Open(storage.NewMemory(), set, 2)
	require.NoError(t, err)
	_, ok := l.Series(CirculatingLedger, SupplyRelToCirculating)
	require.True(t, ok)
	_, ok = l.Series(CirculatingLedger, RealizedPrice)
	require.False(t, ok)
}
