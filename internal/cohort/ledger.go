package cohort

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// ErrNoCheckpoint is returned when no state checkpoint exists at the
// requested stamp.
var ErrNoCheckpoint = errors.New("no state checkpoint")

// ledgerSchema is bumped whenever a ledger series changes meaning.
const ledgerSchema = 1

const stateSuffix = "#state"

type unrealizedSeries struct {
	inProfit *vec.Vec[types.Sats]
	inLoss   *vec.Vec[types.Sats]
	even     *vec.Vec[types.Sats]
	profit   *vec.Vec[types.Dollars]
	loss     *vec.Vec[types.Dollars]
}

// Ledger is one cohort: its in-memory State and the series it persists.
type Ledger struct {
	Filter  Filter
	Address bool

	name   string
	db     storage.DB
	keep   int
	logger zerolog.Logger

	state     *State
	addrCount uint64
	stamps    []types.Stamp // retained state checkpoints, ascending

	supply     *vec.Vec[types.Sats]
	utxoCount  *vec.Vec[uint64]
	satBlocks  *vec.Vec[uint256.Int]
	satDays    *vec.Vec[uint256.Int]
	addrCountS *vec.Vec[uint64]

	realizedCap            *vec.Vec[types.Dollars]
	realizedProfit         *vec.Vec[types.Dollars]
	realizedLoss           *vec.Vec[types.Dollars]
	valueCreated           *vec.Vec[types.Dollars]
	valueDestroyed         *vec.Vec[types.Dollars]
	adjustedValueCreated   *vec.Vec[types.Dollars]
	adjustedValueDestroyed *vec.Vec[types.Dollars]
	minPrice               *vec.Vec[types.Dollars]
	maxPrice               *vec.Vec[types.Dollars]
	byHeight               unrealizedSeries
	byDate                 unrealizedSeries

	heightSeries []vec.Series
	dateSeries   []vec.Series
}

// LedgerName returns the storage name of a cohort.
func LedgerName(f Filter, address bool) string {
	root := "utxo"
	if address {
		root = "addr"
	}
	return root + "/" + f.Kind.String() + "/" + f.Name
}

// OpenLedger opens the ledger for f in db.
func OpenLedger(db storage.DB, f Filter, address, priced bool, keep int) (*Ledger, error) {
	if keep <= 0 {
		keep = vec.DefaultKeep
	}
	l := &Ledger{
		Filter:  f,
		Address: address,
		name:    LedgerName(f, address),
		db:      db,
		keep:    keep,
		state:   NewState(priced),
	}
	l.logger = log.WithSeries(log.Cohort, l.name)

	var err error
	named := func(metric string) string { return l.name + "/" + metric }
	opts := []vec.Option{vec.WithKeep(keep)}

	sats := func(name string, list *[]vec.Series) *vec.Vec[types.Sats] {
		if err != nil {
			return nil
		}
		var v *vec.Vec[types.Sats]
		v, err = vec.Open[types.Sats](db, name, vec.Uint64Codec[types.Sats]{}, opts...)
		if v != nil {
			*list = append(*list, v)
		}
		return v
	}
	count := func(name string) *vec.Vec[uint64] {
		if err != nil {
			return nil
		}
		var v *vec.Vec[uint64]
		v, err = vec.Open[uint64](db, name, vec.Uint64Codec[uint64]{}, opts...)
		if v != nil {
			l.heightSeries = append(l.heightSeries, v)
		}
		return v
	}
	big := func(name string) *vec.Vec[uint256.Int] {
		if err != nil {
			return nil
		}
		var v *vec.Vec[uint256.Int]
		v, err = vec.Open[uint256.Int](db, name, vec.U256Codec{}, opts...)
		if v != nil {
			l.heightSeries = append(l.heightSeries, v)
		}
		return v
	}
	dollars := func(name string, list *[]vec.Series) *vec.Vec[types.Dollars] {
		if err != nil {
			return nil
		}
		var v *vec.Vec[types.Dollars]
		v, err = vec.Open[types.Dollars](db, name, vec.Float64Codec[types.Dollars]{}, opts...)
		if v != nil {
			*list = append(*list, v)
		}
		return v
	}
	unrealized := func(prefix string, list *[]vec.Series) unrealizedSeries {
		return unrealizedSeries{
			inProfit: sats(named(prefix+"supply_in_profit"), list),
			inLoss:   sats(named(prefix+"supply_in_loss"), list),
			even:     sats(named(prefix+"supply_even"), list),
			profit:   dollars(named(prefix+"unrealized_profit"), list),
			loss:     dollars(named(prefix+"unrealized_loss"), list),
		}
	}

	l.supply = sats(named("supply"), &l.heightSeries)
	l.utxoCount = count(named("utxo_count"))
	l.satBlocks = big(named("satblocks_destroyed"))
	l.satDays = big(named("satdays_destroyed"))
	if address {
		l.addrCountS = count(named("addr_count"))
	}
	if priced {
		l.realizedCap = dollars(named("realized_cap"), &l.heightSeries)
		l.realizedProfit = dollars(named("realized_profit"), &l.heightSeries)
		l.realizedLoss = dollars(named("realized_loss"), &l.heightSeries)
		l.valueCreated = dollars(named("value_created"), &l.heightSeries)
		l.valueDestroyed = dollars(named("value_destroyed"), &l.heightSeries)
		l.adjustedValueCreated = dollars(named("adjusted_value_created"), &l.heightSeries)
		l.adjustedValueDestroyed = dollars(named("adjusted_value_destroyed"), &l.heightSeries)
		l.minPrice = dollars(named("min_price_paid"), &l.heightSeries)
		l.maxPrice = dollars(named("max_price_paid"), &l.heightSeries)
		l.byHeight = unrealized("", &l.heightSeries)
		l.byDate = unrealized("d/", &l.dateSeries)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", l.name, err)
	}
	if err := l.loadStamps(); err != nil {
		return nil, err
	}
	return l, nil
}

// Name returns the cohort's storage name.
func (l *Ledger) Name() string { return l.name }

// State returns the in-memory state.
func (l *Ledger) State() *State { return l.state }

// AddrCount returns the number of addresses in an address cohort.
func (l *Ledger) AddrCount() uint64 { return l.addrCount }

// IncrementAddrCount records an address joining the cohort.
func (l *Ledger) IncrementAddrCount() { l.addrCount++ }

// DecrementAddrCount records an address leaving the cohort.
func (l *Ledger) DecrementAddrCount() error {
	if l.addrCount == 0 {
		return fmt.Errorf("%s: address count underflow", l.name)
	}
	l.addrCount--
	return nil
}

func (l *Ledger) series() []vec.Series {
	return append(append([]vec.Series{}, l.heightSeries...), l.dateSeries...)
}

// HeightLen returns the length of the shortest height-indexed series.
func (l *Ledger) HeightLen() uint64 {
	n := l.heightSeries[0].Len()
	for _, s := range l.heightSeries[1:] {
		if s.Len() < n {
			n = s.Len()
		}
	}
	return n
}

// Stamp returns the lowest stamp over all series.
func (l *Ledger) Stamp() types.Stamp {
	all := l.series()
	lowest := all[0].Stamp()
	for _, s := range all[1:] {
		if st := s.Stamp(); st < lowest {
			lowest = st
		}
	}
	return lowest
}

// SupplyAt returns the persisted supply after height h.
func (l *Ledger) SupplyAt(h uint64) (types.SupplyState, error) {
	v, ok, err := l.supply.Get(h)
	if err != nil || !ok {
		return types.SupplyState{}, errors.Join(err, fmt.Errorf("%s: no supply at %d", l.name, h))
	}
	n, ok, err := l.utxoCount.Get(h)
	if err != nil || !ok {
		return types.SupplyState{}, errors.Join(err, fmt.Errorf("%s: no utxo count at %d", l.name, h))
	}
	return types.SupplyState{UTXOCount: n, Value: v}, nil
}

// ValidateComputedVersions checks every series against base. If any
// series is stale the whole ledger is reset.
func (l *Ledger) ValidateComputedVersions(base uint64) (bool, error) {
	stale := false
	for _, s := range l.series() {
		reset, err := s.ValidateVersion(vec.Derive(base, s.Name(), ledgerSchema))
		if err != nil {
			return false, err
		}
		stale = stale || reset
	}
	if !stale {
		return false, nil
	}
	l.logger.Warn().Msg("Ledger version changed, recomputing from scratch")
	return true, l.Reset()
}

// RollbackBefore rolls every series back to at most stamp. agreed is false
// if the series end at different stamps.
func (l *Ledger) RollbackBefore(stamp types.Stamp) (reached types.Stamp, agreed bool, err error) {
	agreed = true
	for i, s := range l.series() {
		st, err := s.RollbackBefore(stamp)
		if err != nil {
			return 0, false, err
		}
		if i == 0 {
			reached = st
		} else if st != reached {
			agreed = false
			if st < reached {
				reached = st
			}
		}
	}
	b := storage.NewBatch(l.db)
	for len(l.stamps) > 0 && l.stamps[len(l.stamps)-1] > reached {
		if err := b.Delete(l.stateKey(l.stamps[len(l.stamps)-1])); err != nil {
			return 0, false, err
		}
		l.stamps = l.stamps[:len(l.stamps)-1]
	}
	if err := b.Commit(); err != nil {
		return 0, false, fmt.Errorf("%s: drop state checkpoints: %w", l.name, err)
	}
	if !agreed {
		l.logger.Warn().Uint64("reached", uint64(reached)).Msg("Ledger series disagree after rollback")
	}
	return reached, agreed, nil
}

// ImportState truncates the series to starting heights and loads the
// in-memory state checkpointed at that height. The checkpoint must agree
// with the persisted supply at starting-1.
func (l *Ledger) ImportState(starting uint64) error {
	if l.HeightLen() < starting {
		return fmt.Errorf("%s: series hold %d heights, cannot resume at %d", l.name, l.HeightLen(), starting)
	}
	for _, s := range l.heightSeries {
		s.Truncate(starting)
	}
	if starting == 0 {
		for _, s := range l.dateSeries {
			s.Truncate(0)
		}
		l.state = NewState(l.state.Priced())
		l.addrCount = 0
		return nil
	}

	raw, err := l.db.Get(l.stateKey(types.Stamp(starting)))
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w at %d", l.name, ErrNoCheckpoint, starting)
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("%s: decode state checkpoint: %w", l.name, err)
	}
	persisted, err := l.SupplyAt(starting - 1)
	if err != nil {
		return err
	}
	if persisted != snap.Supply {
		return fmt.Errorf("%s: checkpoint supply %+v does not match series %+v at %d",
			l.name, snap.Supply, persisted, starting-1)
	}
	l.state.restore(snap)
	l.addrCount = snap.AddrCount
	return nil
}

// ResetFlows zeroes per-height flows.
func (l *Ledger) ResetFlows() {
	l.state.ResetFlows()
}

// ForcedPushAt appends the state's supply and flows at height.
func (l *Ledger) ForcedPushAt(height uint64) error {
	s := l.state
	errs := []error{
		l.supply.ForcedPushAt(height, s.Supply.Value),
		l.utxoCount.ForcedPushAt(height, s.Supply.UTXOCount),
		l.satBlocks.ForcedPushAt(height, s.SatBlocksDestroyed),
		l.satDays.ForcedPushAt(height, s.SatDaysDestroyed),
	}
	if l.addrCountS != nil {
		errs = append(errs, l.addrCountS.ForcedPushAt(height, l.addrCount))
	}
	if s.Priced() {
		r := s.Realized
		errs = append(errs,
			l.realizedCap.ForcedPushAt(height, r.Cap),
			l.realizedProfit.ForcedPushAt(height, r.Profit),
			l.realizedLoss.ForcedPushAt(height, r.Loss),
			l.valueCreated.ForcedPushAt(height, r.ValueCreated),
			l.valueDestroyed.ForcedPushAt(height, r.ValueDestroyed),
			l.adjustedValueCreated.ForcedPushAt(height, r.AdjustedValueCreated),
			l.adjustedValueDestroyed.ForcedPushAt(height, r.AdjustedValueDestroyed),
		)
	}
	return errors.Join(errs...)
}

// ComputeThenForcePushUnrealized marks the state against price and pushes
// the result at height. The same state marked against the day's closing
// price is written at date; later blocks of the same day overwrite it, so
// a closed day holds the state of its last block.
func (l *Ledger) ComputeThenForcePushUnrealized(height uint64, price types.Dollars, date types.DateIndex, closePrice types.Dollars) error {
	if !l.state.Priced() {
		return nil
	}
	u := l.state.ComputeUnrealized(price)
	errs := []error{
		l.minPrice.ForcedPushAt(height, u.MinPrice),
		l.maxPrice.ForcedPushAt(height, u.MaxPrice),
		l.byHeight.inProfit.ForcedPushAt(height, u.SupplyInProfit),
		l.byHeight.inLoss.ForcedPushAt(height, u.SupplyInLoss),
		l.byHeight.even.ForcedPushAt(height, u.SupplyEven),
		l.byHeight.profit.ForcedPushAt(height, u.Profit),
		l.byHeight.loss.ForcedPushAt(height, u.Loss),
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if closePrice != price {
		u = l.state.ComputeUnrealized(closePrice)
	}
	d := uint64(date)
	return errors.Join(
		setDate(l.byDate.inProfit, d, u.SupplyInProfit),
		setDate(l.byDate.inLoss, d, u.SupplyInLoss),
		setDate(l.byDate.even, d, u.SupplyEven),
		setDate(l.byDate.profit, d, u.Profit),
		setDate(l.byDate.loss, d, u.Loss),
	)
}

// setDate writes val at date d. Days without blocks repeat the previous
// day's value.
func setDate[T any](v *vec.Vec[T], d uint64, val T) error {
	if d < v.Len() {
		return v.Update(d, val)
	}
	if v.Len() > 0 {
		prev, _, err := v.Last()
		if err != nil {
			return err
		}
		for v.Len() < d {
			v.Push(prev)
		}
	} else {
		for v.Len() < d {
			v.Push(val)
		}
	}
	v.Push(val)
	return nil
}

// SafeFlush writes every series and a state checkpoint to b.
func (l *Ledger) SafeFlush(b storage.Batch, stamp types.Stamp) error {
	for _, s := range l.series() {
		if err := s.Flush(b, stamp); err != nil {
			return err
		}
	}
	snap := l.state.snapshot()
	snap.AddrCount = l.addrCount
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := b.Put(l.stateKey(stamp), raw); err != nil {
		return err
	}
	if len(l.stamps) == 0 || l.stamps[len(l.stamps)-1] != stamp {
		l.stamps = append(l.stamps, stamp)
	}
	// keep changesets reach back keep flushes, so one more state is needed.
	for len(l.stamps) > l.keep+1 {
		if err := b.Delete(l.stateKey(l.stamps[0])); err != nil {
			return err
		}
		l.stamps = l.stamps[1:]
	}
	return nil
}

// Reset deletes every series and checkpoint and clears the state.
func (l *Ledger) Reset() error {
	for _, s := range l.series() {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	if err := storage.DeletePrefix(l.db, []byte(l.name+stateSuffix)); err != nil {
		return err
	}
	l.stamps = nil
	l.state = NewState(l.state.Priced())
	l.addrCount = 0
	return nil
}

func (l *Ledger) stateKey(s types.Stamp) []byte {
	k := []byte(l.name + stateSuffix)
	return binary.BigEndian.AppendUint64(k, uint64(s))
}

func (l *Ledger) loadStamps() error {
	prefix := []byte(l.name + stateSuffix)
	l.stamps = l.stamps[:0]
	err := l.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) == len(prefix)+8 {
			l.stamps = append(l.stamps, types.Stamp(binary.BigEndian.Uint64(key[len(prefix):])))
		}
		return nil
	})
	sort.Slice(l.stamps, func(i, j int) bool { return l.stamps[i] < l.stamps[j] })
	return err
}

// SupplySeries returns the persisted supply by height.
func (l *Ledger) SupplySeries() *vec.Vec[types.Sats] { return l.supply }

// RealizedCapSeries returns the persisted realized cap, or nil without prices.
func (l *Ledger) RealizedCapSeries() *vec.Vec[types.Dollars] { return l.realizedCap }

// RealizedProfitSeries returns the per-height realized profit, or nil without prices.
func (l *Ledger) RealizedProfitSeries() *vec.Vec[types.Dollars] { return l.realizedProfit }

// RealizedLossSeries returns the per-height realized loss, or nil without prices.
func (l *Ledger) RealizedLossSeries() *vec.Vec[types.Dollars] { return l.realizedLoss }

// UnrealizedAt returns the persisted unrealized split at height h.
func (l *Ledger) UnrealizedAt(h uint64) (Unrealized, error) {
	var u Unrealized
	if !l.state.Priced() {
		return u, nil
	}
	var errs []error
	get := func(err error) { errs = append(errs, err) }
	var err error
	u.SupplyInProfit, _, err = l.byHeight.inProfit.Get(h)
	get(err)
	u.SupplyInLoss, _, err = l.byHeight.inLoss.Get(h)
	get(err)
	u.SupplyEven, _, err = l.byHeight.even.Get(h)
	get(err)
	u.Profit, _, err = l.byHeight.profit.Get(h)
	get(err)
	u.Loss, _, err = l.byHeight.loss.Get(h)
	get(err)
	u.MinPrice, _, err = l.minPrice.Get(h)
	get(err)
	u.MaxPrice, _, err = l.maxPrice.Get(h)
	get(err)
	return u, errors.Join(errs...)
}

// RealizedAt returns the persisted realized values at height h.
func (l *Ledger) RealizedAt(h uint64) (Realized, error) {
	var r Realized
	if !l.state.Priced() {
		return r, nil
	}
	var errs []error
	for _, f := range []struct {
		v   *vec.Vec[types.Dollars]
		out *types.Dollars
	}{
		{l.realizedCap, &r.Cap},
		{l.realizedProfit, &r.Profit},
		{l.realizedLoss, &r.Loss},
		{l.valueCreated, &r.ValueCreated},
		{l.valueDestroyed, &r.ValueDestroyed},
		{l.adjustedValueCreated, &r.AdjustedValueCreated},
		{l.adjustedValueDestroyed, &r.AdjustedValueDestroyed},
	} {
		v, ok, err := f.v.Get(h)
		if err == nil && !ok {
			err = fmt.Errorf("%s: no realized values at %d", l.name, h)
		}
		errs = append(errs, err)
		*f.out = v
	}
	return r, errors.Join(errs...)
}

// AddrCountAt returns the persisted address count at height h. Ledgers
// that do not track addresses report 0.
func (l *Ledger) AddrCountAt(h uint64) (uint64, error) {
	if l.addrCountS == nil {
		return 0, nil
	}
	n, ok, err := l.addrCountS.Get(h)
	if err == nil && !ok {
		err = fmt.Errorf("%s: no address count at %d", l.name, h)
	}
	return n, err
}

// DateUnrealizedLen returns the number of days with unrealized values.
func (l *Ledger) DateUnrealizedLen() uint64 {
	if !l.state.Priced() {
		return 0
	}
	return l.byDate.inProfit.Len()
}
