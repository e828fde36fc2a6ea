package cohort

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

var allFilter = Filter{Kind: KindAll, Name: "all"}

func openLedger(t *testing.T, db storage.DB) *Ledger {
	t.Helper()
	l, err := OpenLedger(db, allFilter, false, true, 2)
	require.NoError(t, err)
	return l
}

func flushLedger(t *testing.T, db storage.DB, l *Ledger, stamp types.Stamp) {
	t.Helper()
	b := storage.NewBatch(db)
	require.NoError(t, l.SafeFlush(b, stamp))
	require.NoError(t, b.Commit())
}

// pushHeight receives v at price and pushes height h.
func pushHeight(t *testing.T, l *Ledger, h uint64, v types.Sats, price types.Dollars) {
	t.Helper()
	l.ResetFlows()
	l.State().Receive(types.NewSupply(v), price)
	require.NoError(t, l.ForcedPushAt(h))
	require.NoError(t, l.ComputeThenForcePushUnrealized(h, price, types.DateIndex(h), price))
}

func TestLedger_PushFlushImport(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)
	require.Equal(t, "utxo/all/all", l.Name())

	pushHeight(t, l, 0, 1000, 10)
	flushLedger(t, db, l, types.StampAfter(0))
	pushHeight(t, l, 1, 2000, 20)
	pushHeight(t, l, 2, 3000, 30)
	flushLedger(t, db, l, types.StampAfter(2))

	require.Equal(t, uint64(3), l.HeightLen())
	require.Equal(t, types.Stamp(3), l.Stamp())

	reopened := openLedger(t, db)
	require.Equal(t, uint64(3), reopened.HeightLen())
	require.NoError(t, reopened.ImportState(3))
	require.Equal(t, l.State().Supply, reopened.State().Supply)
	require.Equal(t, l.State().Realized.Cap, reopened.State().Realized.Cap)
	require.Equal(t, l.State().ComputeUnrealized(25), reopened.State().ComputeUnrealized(25))

	err := reopened.ImportState(2)
	require.ErrorIs(t, err, ErrNoCheckpoint)

	sup, err := reopened.SupplyAt(1)
	require.NoError(t, err)
	require.Equal(t, types.SupplyState{UTXOCount: 2, Value: 3000}, sup)

	u, err := reopened.UnrealizedAt(2)
	require.NoError(t, err)
	require.Equal(t, types.Sats(3000), u.SupplyInProfit)
	require.Equal(t, types.Sats(3000), u.SupplyEven)
	require.Equal(t, types.Dollars(10), u.MinPrice)
	require.Equal(t, types.Dollars(30), u.MaxPrice)

	r, err := reopened.RealizedAt(2)
	require.NoError(t, err)
	require.InDelta(t, 0.0014, float64(r.Cap), 1e-12)
	require.Zero(t, r.Profit)

	_, err = reopened.RealizedAt(3)
	require.Error(t, err)
}

func TestLedger_ImportFromZero(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)
	pushHeight(t, l, 0, 1000, 10)
	flushLedger(t, db, l, 1)

	require.NoError(t, l.ImportState(0))
	require.Zero(t, l.HeightLen())
	require.True(t, l.State().Supply.IsZero())
	require.Zero(t, l.DateUnrealizedLen())
}

func TestLedger_ForcedPushSkipsWrittenHeights(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)
	pushHeight(t, l, 0, 1000, 10)

	require.NoError(t, l.ForcedPushAt(0))
	require.Equal(t, uint64(1), l.HeightLen())
	require.Error(t, l.ForcedPushAt(5))
}

func TestLedger_RollbackBefore(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)
	pushHeight(t, l, 0, 1000, 10)
	flushLedger(t, db, l, 1)
	pushHeight(t, l, 1, 1000, 10)
	flushLedger(t, db, l, 2)

	reached, agreed, err := l.RollbackBefore(1)
	require.NoError(t, err)
	require.True(t, agreed)
	require.Equal(t, types.Stamp(1), reached)
	require.Equal(t, uint64(1), l.HeightLen())

	reopened := openLedger(t, db)
	require.NoError(t, reopened.ImportState(1))
	require.Equal(t, types.NewSupply(1000), reopened.State().Supply)
	require.Error(t, reopened.ImportState(2))
}

func TestLedger_CheckpointsPruned(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)
	for h := uint64(0); h < 4; h++ {
		pushHeight(t, l, h, 100, 1)
		flushLedger(t, db, l, types.StampAfter(h))
	}
	require.Equal(t, []types.Stamp{2, 3, 4}, l.stamps)

	has, err := db.Has(l.stateKey(1))
	require.NoError(t, err)
	require.False(t, has)

	// The oldest state still matches the furthest reachable stamp.
	reached, agreed, err := l.RollbackBefore(1)
	require.NoError(t, err)
	require.True(t, agreed)
	require.Equal(t, types.Stamp(2), reached)
	require.NoError(t, l.ImportState(reached.Height()))
	require.Equal(t, types.SupplyState{UTXOCount: 2, Value: 200}, l.State().Supply)
}

func TestLedger_DateSeriesCarryForward(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)

	l.State().Receive(types.NewSupply(1000), 10)
	require.NoError(t, l.ForcedPushAt(0))
	require.NoError(t, l.ComputeThenForcePushUnrealized(0, 20, 0, 20))
	l.State().Receive(types.NewSupply(1000), 30)
	require.NoError(t, l.ForcedPushAt(1))
	require.NoError(t, l.ComputeThenForcePushUnrealized(1, 20, 3, 40))

	require.Equal(t, uint64(4), l.DateUnrealizedLen())
	days, err := l.byDate.inProfit.Collect(0, 4)
	require.NoError(t, err)
	require.Equal(t, []types.Sats{1000, 1000, 1000, 2000}, days)

	// A later block of the same day overwrites it.
	l.State().Receive(types.NewSupply(1000), 50)
	require.NoError(t, l.ForcedPushAt(2))
	require.NoError(t, l.ComputeThenForcePushUnrealized(2, 20, 3, 40))
	last, _, err := l.byDate.inProfit.Get(3)
	require.NoError(t, err)
	require.Equal(t, types.Sats(2000), last)
	loss, _, err := l.byDate.inLoss.Get(3)
	require.NoError(t, err)
	require.Equal(t, types.Sats(1000), loss)
}

func TestLedger_ValidateComputedVersions(t *testing.T) {
	db := storage.NewMemory()
	l := openLedger(t, db)

	reset, err := l.ValidateComputedVersions(42)
	require.NoError(t, err)
	require.False(t, reset)

	pushHeight(t, l, 0, 1000, 10)
	flushLedger(t, db, l, 1)

	reset, err = l.ValidateComputedVersions(42)
	require.NoError(t, err)
	require.False(t, reset)
	require.Equal(t, uint64(1), l.HeightLen())

	reset, err = l.ValidateComputedVersions(43)
	require.NoError(t, err)
	require.True(t, reset)
	require.Zero(t, l.HeightLen())
	require.Zero(t, l.Stamp())
	require.True(t, l.State().Supply.IsZero())
}

func TestLedger_AddrCount(t *testing.T) {
	db := storage.NewMemory()
	l, err := OpenLedger(db, Filter{Kind: KindAmountRange, Name: "0sats", High: 1}, true, false, 0)
	require.NoError(t, err)
	require.Equal(t, "addr/amount_range/0sats", l.Name())

	l.IncrementAddrCount()
	require.NoError(t, l.DecrementAddrCount())
	require.Error(t, l.DecrementAddrCount())

	l.IncrementAddrCount()
	require.NoError(t, l.ForcedPushAt(0))
	flushLedger(t, db, l, 1)

	reopened, err := OpenLedger(db, l.Filter, true, false, 0)
	require.NoError(t, err)
	require.NoError(t, reopened.ImportState(1))
	require.Equal(t, uint64(1), reopened.AddrCount())

	n, err := reopened.AddrCountAt(0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	_, err = reopened.AddrCountAt(1)
	require.Error(t, err)

	// Unpriced ledgers have no realized values to report.
	r, err := reopened.RealizedAt(0)
	require.NoError(t, err)
	require.Zero(t, r)
}
