// Package rollup derives cross-cohort ratios and cumulative series from
// the committed cohort ledgers.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// schema is bumped whenever a derivation changes.
const schema = 1

// Derived series names, appended to the ledger name.
const (
	SupplyRelToCirculating   = "supply_rel_to_circulating"
	RealizedPrice            = "realized_price"
	CumulativeRealizedProfit = "cumulative_realized_profit"
	CumulativeRealizedLoss   = "cumulative_realized_loss"
	NetRealizedPnL           = "net_realized_pnl"
)

// CirculatingLedger is the cohort every relative supply is measured against.
const CirculatingLedger = "utxo/all/all"

// ErrNoCirculating is returned when the set has no circulating ledger.
var ErrNoCirculating = errors.New("rollup: circulating ledger missing")

// windowSize bounds how many source heights a job reads at once.
const windowSize = 10_000

// window is the inputs one derivation reads over a range of heights.
type window struct {
	sats    [][]types.Sats
	dollars [][]types.Dollars
}

// derive computes the value at offset i of a window given the value at the
// previous height.
type derive func(w *window, i int, prev float64) float64

type job struct {
	out     *vec.Vec[float64]
	sats    []*vec.Vec[types.Sats]
	dollars []*vec.Vec[types.Dollars]
	derive  derive
}

// Layer owns every derived series.
type Layer struct {
	db      storage.DB
	workers int
	jobs    []*job
	logger  zerolog.Logger
}

// Open opens the derived series of every ledger in set.
func Open(db storage.DB, set *cohort.Set, workers int) (*Layer, error) {
	circ, ok := set.ByName(CirculatingLedger)
	if !ok {
		return nil, ErrNoCirculating
	}
	l := &Layer{db: db, workers: workers, logger: log.Rollup}
	for _, led := range set.All() {
		add := func(metric string, d derive, sats []*vec.Vec[types.Sats], dollars ...*vec.Vec[types.Dollars]) error {
			out, err := vec.Open[float64](db, led.Name()+"/"+metric, vec.Float64Codec[float64]{})
			if err != nil {
				return err
			}
			l.jobs = append(l.jobs, &job{out: out, sats: sats, dollars: dollars, derive: d})
			return nil
		}
		supply := []*vec.Vec[types.Sats]{led.SupplySeries()}
		if err := add(SupplyRelToCirculating, supplyRel, append(supply, circ.SupplySeries())); err != nil {
			return nil, err
		}
		if led.RealizedCapSeries() == nil {
			continue
		}
		errs := []error{
			add(RealizedPrice, realizedPrice, supply, led.RealizedCapSeries()),
			add(CumulativeRealizedProfit, cumulative, nil, led.RealizedProfitSeries()),
			add(CumulativeRealizedLoss, cumulative, nil, led.RealizedLossSeries()),
			add(NetRealizedPnL, netPnL, nil, led.RealizedProfitSeries(), led.RealizedLossSeries()),
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func supplyRel(w *window, i int, _ float64) float64 {
	own, circ := w.sats[0][i], w.sats[1][i]
	if circ == 0 {
		return 0
	}
	return 100 * float64(own) / float64(circ)
}

func realizedPrice(w *window, i int, _ float64) float64 {
	supply := w.sats[0][i]
	if supply == 0 {
		return 0
	}
	return float64(w.dollars[0][i]) / supply.BTC()
}

func cumulative(w *window, i int, prev float64) float64 {
	return prev + float64(w.dollars[0][i])
}

func netPnL(w *window, i int, _ float64) float64 {
	return float64(w.dollars[0][i]) - float64(w.dollars[1][i])
}

// version fingerprints a job's inputs so that any upstream reset
// invalidates the derived series.
func (j *job) version() uint64 {
	parts := make([]string, 0, len(j.sats)+len(j.dollars))
	for _, in := range j.sats {
		parts = append(parts, in.Name()+"@"+strconv.FormatUint(in.Version(), 16))
	}
	for _, in := range j.dollars {
		parts = append(parts, in.Name()+"@"+strconv.FormatUint(in.Version(), 16))
	}
	return vec.Derive(vec.Fingerprint(parts...), j.out.Name(), schema)
}

// Series returns a derived series by ledger and metric name.
func (l *Layer) Series(ledger, metric string) (*vec.Vec[float64], bool) {
	name := ledger + "/" + metric
	for _, j := range l.jobs {
		if j.out.Name() == name {
			return j.out, true
		}
	}
	return nil, false
}

// RollbackBefore reverts derived flushes newer than stamp. A series that
// cannot get back far enough is reset and recomputed from 0.
func (l *Layer) RollbackBefore(stamp types.Stamp) error {
	for _, j := range l.jobs {
		reached, err := j.out.RollbackBefore(stamp)
		if err != nil {
			return err
		}
		if reached > stamp {
			l.logger.Debug().Str("series", j.out.Name()).Msg("Rollback out of reach, resetting")
			if err := j.out.Reset(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset clears every derived series.
func (l *Layer) Reset() error {
	for _, j := range l.jobs {
		if err := j.out.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Compute extends every derived series to committed heights and flushes
// them in one batch stamped at committed.
func (l *Layer) Compute(ctx context.Context, committed uint64) error {
	start := time.Now()
	if err := l.prepare(committed); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if l.workers > 0 {
		g.SetLimit(l.workers)
	}
	for _, j := range l.jobs {
		g.Go(func() error {
			if err := j.compute(ctx, committed); err != nil {
				return fmt.Errorf("%s: %w", j.out.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stamp := types.Stamp(committed)
	b := storage.NewBatch(l.db)
	for _, j := range l.jobs {
		if err := j.out.Flush(b, stamp); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("rollup: commit %d: %w", stamp, err)
	}
	l.logger.Debug().
		Uint64("height", committed).
		Int("series", len(l.jobs)).
		Dur("took", time.Since(start)).
		Msg("Rollup computed")
	return nil
}

// prepare validates the version of every derived series and cuts them
// back to what the committed inputs support.
func (l *Layer) prepare(committed uint64) error {
	stale := 0
	for _, j := range l.jobs {
		reset, err := j.out.ValidateVersion(j.version())
		if err != nil {
			return err
		}
		if reset {
			stale++
		}
	}
	if stale > 0 {
		l.logger.Warn().Int("series", stale).Msg("Derived series out of date, recomputing")
	}
	if err := l.RollbackBefore(types.Stamp(committed)); err != nil {
		return err
	}
	for _, j := range l.jobs {
		j.out.Truncate(committed)
	}
	return nil
}

func (j *job) compute(ctx context.Context, committed uint64) error {
	from := j.out.Len()
	if from >= committed {
		return nil
	}
	var prev float64
	if from > 0 {
		v, ok, err := j.out.Get(from - 1)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no value at %d", from-1)
		}
		prev = v
	}
	for lo := from; lo < committed; lo += windowSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := min(lo+windowSize, committed)
		w, err := j.load(lo, hi)
		if err != nil {
			return err
		}
		for i := 0; i < int(hi-lo); i++ {
			prev = j.derive(w, i, prev)
			j.out.Push(prev)
		}
	}
	return nil
}

// load reads the inputs of heights [lo, hi).
func (j *job) load(lo, hi uint64) (*window, error) {
	w := &window{}
	for _, v := range j.sats {
		vals, err := collect(v, lo, hi)
		if err != nil {
			return nil, err
		}
		w.sats = append(w.sats, vals)
	}
	for _, v := range j.dollars {
		vals, err := collect(v, lo, hi)
		if err != nil {
			return nil, err
		}
		w.dollars = append(w.dollars, vals)
	}
	return w, nil
}

func collect[T any](v *vec.Vec[T], lo, hi uint64) ([]T, error) {
	if v.Len() < hi {
		return nil, fmt.Errorf("%s: has %d heights, need %d", v.Name(), v.Len(), hi)
	}
	return v.Collect(lo, hi)
}
